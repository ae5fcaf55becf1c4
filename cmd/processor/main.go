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

package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"pos-payments-go/internal/api"
	"pos-payments-go/internal/common"
	"pos-payments-go/internal/config"

	"go.uber.org/zap"
)

func main() {
	serveApi := flag.Bool("api", true, "Serve the device API")
	runWorkers := flag.Bool("workers", true, "Run the task workers")
	flag.Parse()

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	zap.L().Info("Starting POS payment processor",
		zap.Strings("coins", cfg.Wallet.Coins),
		zap.Bool("api", *serveApi),
		zap.Bool("workers", *runWorkers))

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		services.Settings.Watch(ctx, cfg.Scheduler.SettingsRefresh)
	}()

	if *runWorkers {
		if err := services.Engine.Recover(ctx); err != nil {
			zap.L().Fatal("Failed to recover in-flight operations", zap.Error(err))
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			services.Scheduler.Run(ctx)
		}()
	}

	var server *http.Server
	if *serveApi {
		server = &http.Server{
			Addr:         cfg.Server.ListenAddr,
			Handler:      api.NewRouter(api.NewDeviceService(services.DbService, services.Engine)),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}
		go func() {
			zap.L().Info("Device API listening", zap.String("addr", cfg.Server.ListenAddr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zap.L().Error("Device API failed", zap.Error(err))
				cancel()
			}
		}()
	}

	zap.L().Info("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		zap.L().Info("Shutdown signal received, stopping processor...")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("Device API shutdown error", zap.Error(err))
		}
	}
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		zap.L().Info("Processor stopped gracefully")
	case <-shutdownCtx.Done():
		zap.L().Warn("Forced shutdown after timeout")
	}
}
