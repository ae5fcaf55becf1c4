/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package api

import (
	"context"
	"errors"
	"fmt"

	"pos-payments-go/internal/engine"
	"pos-payments-go/internal/models"
	"pos-payments-go/internal/store"

	"go.uber.org/zap"
)

var (
	ErrInvalidDevice  = errors.New("invalid device key")
	ErrInvalidRequest = errors.New("invalid request")
)

// DeviceService is the operation surface offered to merchant devices
type DeviceService struct {
	store  store.Store
	engine *engine.Engine
}

func NewDeviceService(st store.Store, e *engine.Engine) *DeviceService {
	return &DeviceService{
		store:  st,
		engine: e,
	}
}

func (s *DeviceService) HealthCheck(ctx context.Context) error {
	_, err := s.store.ListMerchants(ctx)
	if err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// resolveAccount finds the account an operation runs against, either from
// an active device or from an explicit account id.
func (s *DeviceService) resolveAccount(ctx context.Context, deviceKey, accountId string) (string, *string, error) {
	if deviceKey == "" {
		if accountId == "" {
			return "", nil, fmt.Errorf("either device or account must be specified: %w", ErrInvalidRequest)
		}
		if _, err := s.store.GetAccount(ctx, accountId); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return "", nil, fmt.Errorf("account %s: %w", accountId, ErrInvalidRequest)
			}
			return "", nil, err
		}
		return accountId, nil, nil
	}

	device, err := s.activeDevice(ctx, deviceKey)
	if err != nil {
		return "", nil, err
	}
	return device.AccountId, &device.Id, nil
}

func (s *DeviceService) activeDevice(ctx context.Context, deviceKey string) (*models.Device, error) {
	if deviceKey == "" {
		return nil, fmt.Errorf("device is required: %w", ErrInvalidDevice)
	}
	device, err := s.store.GetDeviceByKey(ctx, deviceKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidDevice
		}
		return nil, err
	}
	if device.Status != models.DeviceActive {
		zap.L().Warn("Request from inactive device",
			zap.String("device_id", device.Id),
			zap.String("status", string(device.Status)))
		return nil, ErrInvalidDevice
	}
	return device, nil
}

// ownWithdrawal loads a withdrawal on behalf of the device that created it.
// Any other device gets ErrInvalidDevice.
func (s *DeviceService) ownWithdrawal(ctx context.Context, deviceKey, uid string) (*models.Withdrawal, error) {
	device, err := s.activeDevice(ctx, deviceKey)
	if err != nil {
		return nil, err
	}
	wd, err := s.store.GetWithdrawal(ctx, uid)
	if err != nil {
		return nil, err
	}
	if wd.DeviceId == nil || *wd.DeviceId != device.Id {
		zap.L().Warn("Withdrawal request from another device",
			zap.String("uid", uid),
			zap.String("device_id", device.Id))
		return nil, ErrInvalidDevice
	}
	return wd, nil
}
