package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"pos-payments-go/internal/blockchain"
	"pos-payments-go/internal/database"
	"pos-payments-go/internal/engine"
	"pos-payments-go/internal/models"
	"pos-payments-go/internal/payment"
	"pos-payments-go/internal/store"
	"pos-payments-go/internal/wallet"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDevices struct {
	err          error
	deposit      DepositRequest
	withdrawal   WithdrawalRequest
	address      string
	device       string
	message      []byte
	limit        int
	offset       int
	healthErr    error
	paymentReply []byte
}

func (s *stubDevices) HealthCheck(context.Context) error { return s.healthErr }

func (s *stubDevices) CreateDeposit(_ context.Context, req DepositRequest) (*DepositResult, error) {
	s.deposit = req
	if s.err != nil {
		return nil, s.err
	}
	return &DepositResult{Uid: "abc123", FiatAmount: req.Amount.StringFixed(2), Status: "NEW",
		PaymentUri: "bitcoin:addr?amount=0.00050000"}, nil
}

func (s *stubDevices) GetDeposit(_ context.Context, uid string) (*DepositResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &DepositResult{Uid: uid, Status: "RECEIVED"}, nil
}

func (s *stubDevices) CancelDeposit(_ context.Context, uid string) (*DepositResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &DepositResult{Uid: uid, Status: "CANCELLED"}, nil
}

func (s *stubDevices) RefundDeposit(_ context.Context, uid, address string) (*DepositResult, error) {
	s.address = address
	if s.err != nil {
		return nil, s.err
	}
	return &DepositResult{Uid: uid, Status: "REFUNDED"}, nil
}

func (s *stubDevices) PaymentRequest(context.Context, string) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []byte{0x08, 0x01}, nil
}

func (s *stubDevices) PaymentResponse(_ context.Context, _ string, message []byte) ([]byte, error) {
	s.message = message
	if s.err != nil {
		return nil, s.err
	}
	return s.paymentReply, nil
}

func (s *stubDevices) CreateWithdrawal(_ context.Context, req WithdrawalRequest) (*WithdrawalResult, error) {
	s.withdrawal = req
	if s.err != nil {
		return nil, s.err
	}
	return &WithdrawalResult{Uid: "wd1234", Status: "NEW"}, nil
}

func (s *stubDevices) GetWithdrawal(_ context.Context, uid string) (*WithdrawalResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &WithdrawalResult{Uid: uid, Status: "SENT"}, nil
}

func (s *stubDevices) ConfirmWithdrawal(_ context.Context, deviceKey, uid, address string) (*WithdrawalResult, error) {
	s.device, s.address = deviceKey, address
	if s.err != nil {
		return nil, s.err
	}
	return &WithdrawalResult{Uid: uid, Address: address, Status: "SENT"}, nil
}

func (s *stubDevices) CancelWithdrawal(_ context.Context, deviceKey, uid string) (*WithdrawalResult, error) {
	s.device = deviceKey
	if s.err != nil {
		return nil, s.err
	}
	return &WithdrawalResult{Uid: uid, Status: "CANCELLED"}, nil
}

func (s *stubDevices) AccountBalance(_ context.Context, key string) (*BalanceResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &BalanceResult{AccountId: key, Available: "0.01000000"}, nil
}

func (s *stubDevices) AccountHistory(_ context.Context, _ string, limit, offset int) ([]EntryRecord, error) {
	s.limit, s.offset = limit, offset
	return []EntryRecord{{Amount: "0.01000000", Kind: "deposit", Confirmed: true}}, s.err
}

func do(t *testing.T, h http.Handler, method, path, contentType string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", fmt.Errorf("unable to get deposit: %w", store.ErrNotFound), http.StatusNotFound},
		{"invalid state", fmt.Errorf("deposit x is CANCELLED: %w", engine.ErrInvalidState), http.StatusConflict},
		{"dust", wallet.ErrDustOutput, http.StatusBadRequest},
		{"insufficient funds", fmt.Errorf("need more: %w", wallet.ErrInsufficientFunds), http.StatusBadRequest},
		{"max payout", engine.ErrMaxPayout, http.StatusBadRequest},
		{"invalid address", engine.ErrInvalidAddress, http.StatusBadRequest},
		{"invalid amount", engine.ErrInvalidAmount, http.StatusBadRequest},
		{"invalid device", ErrInvalidDevice, http.StatusBadRequest},
		{"refund", &engine.RefundError{Uid: "x", Reason: "nothing was paid"}, http.StatusBadRequest},
		{"invalid payment", &payment.InvalidPaymentMessageError{Reason: "no output"}, http.StatusBadRequest},
		{"node down", &blockchain.NetworkError{Op: "listunspent", Err: errors.New("refused")}, http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusCode(tt.err))
		})
	}
}

func TestCreateDeposit(t *testing.T) {
	svc := &stubDevices{}
	h := NewRouter(svc)

	rec := do(t, h, http.MethodPost, "/api/v2/deposits", "application/json",
		[]byte(`{"device":"key-1","amount":"10.00","payment_type":"bip70"}`))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var result DepositResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "abc123", result.Uid)
	assert.Equal(t, "10.00", result.FiatAmount)
	assert.Equal(t, "key-1", svc.deposit.Device)
	assert.Equal(t, "bip70", svc.deposit.PaymentType)
	assert.True(t, svc.deposit.Amount.Equal(decimal.RequireFromString("10")))

	rec = do(t, h, http.MethodPost, "/api/v2/deposits", "application/json", []byte(`{"device":`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	svc.err = fmt.Errorf("deposit of 0.00001 TBTC: %w", wallet.ErrDustOutput)
	rec = do(t, h, http.MethodPost, "/api/v2/deposits", "application/json", []byte(`{"device":"key-1","amount":0.01}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "dust output")
}

func TestDepositRoutes(t *testing.T) {
	svc := &stubDevices{}
	h := NewRouter(svc)

	rec := do(t, h, http.MethodGet, "/api/v2/deposits/abc123", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"RECEIVED"`)

	rec = do(t, h, http.MethodPost, "/api/v2/deposits/abc123/cancel", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"CANCELLED"`)

	rec = do(t, h, http.MethodPost, "/api/v2/deposits/abc123/refund", "application/json", []byte(`{"address":"mrefund"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "mrefund", svc.address)

	svc.err = fmt.Errorf("unable to get deposit: %w", store.ErrNotFound)
	rec = do(t, h, http.MethodGet, "/api/v2/deposits/nosuch", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	svc.err = fmt.Errorf("deposit abc123 is RECEIVED, cannot cancel: %w", engine.ErrInvalidState)
	rec = do(t, h, http.MethodPost, "/api/v2/deposits/abc123/cancel", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPaymentProtocolRoutes(t *testing.T) {
	svc := &stubDevices{paymentReply: []byte{0x0a, 0x00}}
	h := NewRouter(svc)

	rec := do(t, h, http.MethodGet, "/api/v2/deposits/abc123/payment_request", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ContentTypePaymentRequest, rec.Header().Get("Content-Type"))
	assert.Equal(t, []byte{0x08, 0x01}, rec.Body.Bytes())

	rec = do(t, h, http.MethodPost, "/api/v2/deposits/abc123/payment_response", "application/json", []byte("{}"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Nil(t, svc.message)

	rec = do(t, h, http.MethodPost, "/api/v2/deposits/abc123/payment_response", ContentTypePayment, bytes.Repeat([]byte{1}, maxPaymentSize+1))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v2/deposits/abc123/payment_response", ContentTypePayment+"; charset=binary", []byte{0x12, 0x00})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ContentTypePaymentAck, rec.Header().Get("Content-Type"))
	assert.Equal(t, []byte{0x0a, 0x00}, rec.Body.Bytes())
	assert.Equal(t, []byte{0x12, 0x00}, svc.message)

	svc.err = &payment.InvalidPaymentMessageError{Reason: "no output pays the deposit"}
	rec = do(t, h, http.MethodPost, "/api/v2/deposits/abc123/payment_response", ContentTypePayment, []byte{0x12, 0x00})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWithdrawalRoutes(t *testing.T) {
	svc := &stubDevices{}
	h := NewRouter(svc)

	rec := do(t, h, http.MethodPost, "/api/v2/withdrawals", "application/json", []byte(`{"device":"key-1","amount":"5"}`))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "key-1", svc.withdrawal.Device)

	rec = do(t, h, http.MethodPost, "/api/v2/withdrawals/wd1234/confirm", "application/json", []byte(`{"device":"key-1","address":"mcustomer"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "mcustomer", svc.address)
	assert.Equal(t, "key-1", svc.device)
	assert.Contains(t, rec.Body.String(), `"status":"SENT"`)

	svc.device = ""
	rec = do(t, h, http.MethodPost, "/api/v2/withdrawals/wd1234/cancel", "application/json", []byte(`{"device":"key-1"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "key-1", svc.device)
	assert.Contains(t, rec.Body.String(), `"status":"CANCELLED"`)

	rec = do(t, h, http.MethodPost, "/api/v2/withdrawals/wd1234/cancel", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	svc.err = fmt.Errorf("account holds 0.0001: %w", wallet.ErrInsufficientFunds)
	rec = do(t, h, http.MethodPost, "/api/v2/withdrawals", "application/json", []byte(`{"device":"key-1","amount":"5"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	svc.err = &blockchain.NetworkError{Op: "sendrawtransaction", Err: errors.New("timeout")}
	rec = do(t, h, http.MethodPost, "/api/v2/withdrawals/wd1234/confirm", "application/json", []byte(`{"address":"mcustomer"}`))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	svc.err = errors.New("disk on fire")
	rec = do(t, h, http.MethodGet, "/api/v2/withdrawals/wd1234", "", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "disk on fire")
}

func TestDeviceRoutes(t *testing.T) {
	svc := &stubDevices{}
	h := NewRouter(svc)

	rec := do(t, h, http.MethodGet, "/api/v2/devices/key-1/balance", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"available":"0.01000000"`)

	rec = do(t, h, http.MethodGet, "/api/v2/devices/key-1/history?limit=5&offset=10", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, svc.limit)
	assert.Equal(t, 10, svc.offset)

	rec = do(t, h, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	svc.healthErr = errors.New("database health check failed")
	rec = do(t, h, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestResolveAccount(t *testing.T) {
	ctx := context.Background()
	db, err := database.NewService(ctx, models.DatabaseConfig{
		Driver:       database.DriverSqlite,
		Path:         filepath.Join(t.TempDir(), "api.db"),
		MaxOpenConns: 2,
		MaxIdleConns: 1,
		PingTimeout:  time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(db.Close)

	merchant := &models.Merchant{CompanyName: "Corner Shop", Currency: "GBP", FeeRate: decimal.Zero}
	require.NoError(t, db.CreateMerchant(ctx, merchant))
	account := &models.Account{MerchantId: merchant.Id, Currency: "TBTC"}
	require.NoError(t, db.CreateAccount(ctx, account))
	active := &models.Device{MerchantId: merchant.Id, AccountId: account.Id, Key: "active-key", Status: models.DeviceActive}
	require.NoError(t, db.CreateDevice(ctx, active))
	suspended := &models.Device{MerchantId: merchant.Id, AccountId: account.Id, Key: "suspended-key", Status: models.DeviceSuspended}
	require.NoError(t, db.CreateDevice(ctx, suspended))

	svc := NewDeviceService(db, nil)
	require.NoError(t, svc.HealthCheck(ctx))

	accountId, deviceId, err := svc.resolveAccount(ctx, "active-key", "")
	require.NoError(t, err)
	assert.Equal(t, account.Id, accountId)
	require.NotNil(t, deviceId)
	assert.Equal(t, active.Id, *deviceId)

	_, _, err = svc.resolveAccount(ctx, "suspended-key", "")
	assert.ErrorIs(t, err, ErrInvalidDevice)
	_, _, err = svc.resolveAccount(ctx, "nosuch", "")
	assert.ErrorIs(t, err, ErrInvalidDevice)

	accountId, deviceId, err = svc.resolveAccount(ctx, "", account.Id)
	require.NoError(t, err)
	assert.Equal(t, account.Id, accountId)
	assert.Nil(t, deviceId)

	_, _, err = svc.resolveAccount(ctx, "", "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, _, err = svc.resolveAccount(ctx, "", "nosuch")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.CreateDeposit(ctx, DepositRequest{Device: "active-key", Amount: decimal.RequireFromString("0.001")})
	assert.ErrorIs(t, err, engine.ErrInvalidAmount)
	_, err = svc.CreateDeposit(ctx, DepositRequest{Device: "active-key", Amount: decimal.RequireFromString("1"), PaymentType: "sepa"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestWithdrawalsBelongToTheirDevice(t *testing.T) {
	ctx := context.Background()
	db, err := database.NewService(ctx, models.DatabaseConfig{
		Driver:       database.DriverSqlite,
		Path:         filepath.Join(t.TempDir(), "api.db"),
		MaxOpenConns: 2,
		MaxIdleConns: 1,
		PingTimeout:  time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(db.Close)

	merchant := &models.Merchant{CompanyName: "Corner Shop", Currency: "GBP", FeeRate: decimal.Zero}
	require.NoError(t, db.CreateMerchant(ctx, merchant))
	account := &models.Account{MerchantId: merchant.Id, Currency: "TBTC"}
	require.NoError(t, db.CreateAccount(ctx, account))
	till := &models.Device{MerchantId: merchant.Id, AccountId: account.Id, Key: "till-key", Status: models.DeviceActive}
	require.NoError(t, db.CreateDevice(ctx, till))
	other := &models.Device{MerchantId: merchant.Id, AccountId: account.Id, Key: "other-key", Status: models.DeviceActive}
	require.NoError(t, db.CreateDevice(ctx, other))

	wd := &models.Withdrawal{
		Uid: "wd0001", AccountId: account.Id, DeviceId: &till.Id, Currency: "GBP", Coin: "TBTC",
		FiatAmount: decimal.NewFromInt(5), CoinAmount: decimal.RequireFromString("0.0002"),
		TxFeeCoinAmount: decimal.Zero, EffectiveExchangeRate: decimal.NewFromInt(25000),
		Status: models.WithdrawalNew, TimeCreated: time.Now().UTC(),
	}
	require.NoError(t, db.CreateWithdrawal(ctx, wd))

	svc := NewDeviceService(db, nil)

	_, err = svc.CreateWithdrawal(ctx, WithdrawalRequest{Amount: decimal.NewFromInt(5)})
	assert.ErrorIs(t, err, ErrInvalidDevice)

	_, err = svc.ConfirmWithdrawal(ctx, "other-key", wd.Uid, "mcustomer")
	assert.ErrorIs(t, err, ErrInvalidDevice)
	_, err = svc.ConfirmWithdrawal(ctx, "", wd.Uid, "mcustomer")
	assert.ErrorIs(t, err, ErrInvalidDevice)
	_, err = svc.CancelWithdrawal(ctx, "other-key", wd.Uid)
	assert.ErrorIs(t, err, ErrInvalidDevice)
	_, err = svc.CancelWithdrawal(ctx, "", wd.Uid)
	assert.ErrorIs(t, err, ErrInvalidDevice)

	_, err = svc.CancelWithdrawal(ctx, "till-key", "nosuch")
	assert.ErrorIs(t, err, store.ErrNotFound)

	owned, err := svc.ownWithdrawal(ctx, "till-key", wd.Uid)
	require.NoError(t, err)
	assert.Equal(t, wd.Uid, owned.Uid)

	unchanged, err := db.GetWithdrawal(ctx, wd.Uid)
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalNew, unchanged.Status)
}
