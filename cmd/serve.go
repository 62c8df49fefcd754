// Copyright 2024 Stackblaze Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jacobsa/timeutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/stackblaze/zerofs/internal/fs"
	"github.com/stackblaze/zerofs/internal/kv"
	"github.com/stackblaze/zerofs/internal/logger"
	"github.com/stackblaze/zerofs/internal/monitor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Format (if needed) and host a filesystem core",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// openStore builds the KV stack from the configuration: the engine, and
// the encrypting wrapper when a key file is configured.
//
// The LSM engine itself is hosted out of process; this binary binds the
// in-memory engine, which is what the protocol adapter harnesses embed.
func openStore() (kv.Store, error) {
	var store kv.Store = kv.NewMemStore()

	if Config.Store.KeyFile == "" {
		return store, nil
	}

	key, err := os.ReadFile(Config.Store.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	sealer, err := kv.NewAEADSealer(key)
	if err != nil {
		return nil, err
	}

	return kv.NewEncryptedStore(store, sealer, Config.Store.Compression)
}

func serve(ctx context.Context) error {
	store, err := openStore()
	if err != nil {
		return err
	}

	if err := fs.Format(ctx, store, timeutil.RealClock()); err != nil {
		logger.Debugf("Format skipped: %v", err)
	}

	metrics := monitor.NewMetrics(prometheus.DefaultRegisterer)
	core, err := fs.Open(ctx, fs.Config{
		Store:            store,
		Clock:            timeutil.RealClock(),
		CacheBudgetBytes: Config.FileSystem.WritebackBudgetBytes,
		CacheFileCeiling: Config.FileSystem.WritebackFileCeilingBytes,
		InlineThreshold:  Config.FileSystem.InlineThresholdBytes,
		LimitBytes:       Config.FileSystem.LimitBytes,
		LimitInodes:      Config.FileSystem.LimitInodes,
		Metrics:          metrics,
	})
	if err != nil {
		return err
	}

	if addr := Config.Metrics.ListenAddress; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Errorf("Metrics endpoint failed: %v", err)
			}
		}()
		logger.Infof("Serving metrics on %s", addr)
	}

	logger.Infof("Filesystem core is up.")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}

	logger.Infof("Shutting down.")
	return core.Close(context.Background())
}
