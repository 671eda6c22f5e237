/*
 * Copyright 2025 Cong Wang
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
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
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/a2ahub/a2a-engine/internal/config"
	"github.com/a2ahub/a2a-engine/internal/logging"
	"github.com/a2ahub/a2a-engine/internal/runtime"
	"github.com/a2ahub/a2a-engine/internal/server"
)

func runHealthCheck(addr string) error {
	// If addr starts with :, prepend localhost
	if len(addr) > 0 && addr[0] == ':' {
		addr = "localhost" + addr
	}
	client := &http.Client{
		Timeout: 2 * time.Second,
	}
	resp, err := client.Get("http://" + addr + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %d", resp.StatusCode)
	}
	return nil
}

func main() {
	healthCheck := flag.Bool("health-check", false, "Run health check")
	configFile := flag.String("config", "", "Path to configuration file (YAML)")
	adminKeyFile := flag.String("admin-key-file", "", "Path to admin API key file")
	flag.Parse()

	cfg, err := config.LoadArgs([]string{"-config", *configFile, "-admin-key-file", *adminKeyFile})
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if *healthCheck {
		if err := runHealthCheck(cfg.Server.Address); err != nil {
			fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	logger := logging.NewLogger(cfg.Logging).WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := runtime.New(ctx, cfg, logging.NewLogger(cfg.Logging))
	if err != nil {
		logger.Fatal("Failed to build node runtime", err)
	}

	srv, err := server.New(rt)
	if err != nil {
		logger.Fatal("Failed to create server", err)
	}

	rt.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down node")
	case err := <-errCh:
		if err != nil {
			logger.Error("Server stopped", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server forced to shutdown", err)
	}
	if err := rt.Shutdown(shutdownCtx); err != nil {
		logger.Error("Runtime shutdown incomplete", err)
	}

	logger.Info("Node exited")
}
