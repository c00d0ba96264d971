// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/keyloom/keyloom/pkg/api"
	"github.com/keyloom/keyloom/pkg/audit"
	"github.com/keyloom/keyloom/pkg/authn"
	"github.com/keyloom/keyloom/pkg/authz"
	"github.com/keyloom/keyloom/pkg/config"
	"github.com/keyloom/keyloom/pkg/grants"
	"github.com/keyloom/keyloom/pkg/groups"
	"github.com/keyloom/keyloom/pkg/keychains"
	"github.com/keyloom/keyloom/pkg/keys"
	"github.com/keyloom/keyloom/pkg/logger"
	"github.com/keyloom/keyloom/pkg/posts"
	"github.com/keyloom/keyloom/pkg/secrets"
	"github.com/keyloom/keyloom/pkg/signer"
	"github.com/keyloom/keyloom/pkg/storage/sqlite"
)

const (
	defaultGracefulTimeout = 30 * time.Second // enough for in-flight requests to drain
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 15 * time.Second
	serverIdleTimeout      = 60 * time.Second
)

var serveFlagKeys = map[string]string{
	"console-address": "console_address",
	"gateway-address": "gateway_address",
	"database":        "database_path",
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the console and gateway servers",
		Long: `Start both HTTP surfaces: the console for owner administration and the
gateway for key credential exchange and delegated operations. The two surfaces
share one database and one signing key but accept disjoint token types.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := bindFlags(cmd, serveFlagKeys); err != nil {
				return err
			}
			return runServe(cmd.Context())
		},
	}

	cmd.Flags().String("console-address", config.DefaultConsoleAddress, "Listen address for the owner console surface")
	cmd.Flags().String("gateway-address", config.DefaultGatewayAddress, "Listen address for the key gateway surface")
	cmd.Flags().String("database", config.DefaultDatabasePath, "Path to the SQLite database file")

	return cmd
}

func runServe(ctx context.Context) error {
	v, err := settings()
	if err != nil {
		return err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	db, err := sqlite.Open(ctx, &sqlite.Config{Path: cfg.DatabasePath})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Errorw("failed to close database", "error", err)
		}
	}()

	deps, err := buildDeps(cfg, db)
	if err != nil {
		return err
	}

	console := &http.Server{
		Addr:         cfg.ConsoleAddress,
		Handler:      api.ConsoleRouter(deps),
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}
	gateway := &http.Server{
		Addr:         cfg.GatewayAddress,
		Handler:      api.GatewayRouter(deps),
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Infof("Console listening on %s", cfg.ConsoleAddress)
		if err := console.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("console server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		logger.Infof("Gateway listening on %s", cfg.GatewayAddress)
		if err := gateway.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway server: %w", err)
		}
		return nil
	})

	// Wait for an interrupt or for either server to fail.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Infof("Received %s, shutting down", sig)
	case <-groupCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()

	if err := console.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Console forced to shutdown: %v", err)
	}
	if err := gateway.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Gateway forced to shutdown: %v", err)
	}

	if err := group.Wait(); err != nil {
		return err
	}
	logger.Info("Server shutdown complete")
	return nil
}

// buildDeps wires the stores, services, and signer into the handler
// dependencies shared by both surfaces.
func buildDeps(cfg *config.Config, db *sqlite.DB) (*api.Deps, error) {
	stores := sqlite.NewStores(db)
	hasher := secrets.NewHasher(cfg.HashMemoryKiB, cfg.HashTimeCost, cfg.HashParallelism)

	publicKeys := make([]signer.PublicKey, 0, len(cfg.SigningPublicKeys))
	for _, entry := range cfg.SigningPublicKeys {
		publicKeys = append(publicKeys, signer.PublicKey{KID: entry.KID, Key: entry.PublicKey})
	}
	sig, err := signer.New(&signer.Config{
		Issuer:     cfg.Issuer,
		PrivateKey: cfg.SigningPrivateKey,
		KID:        cfg.SigningKID,
		PublicKeys: publicKeys,
		Leeway:     cfg.TokenLeeway,
	})
	if err != nil {
		return nil, fmt.Errorf("building signer: %w", err)
	}

	recorder := audit.NewRecorder(stores.Audit, nil)
	eval := authz.NewEvaluator(stores.Grants, stores.Groups)

	authnSvc := authn.NewService(stores, hasher, sig, recorder, cfg.RefreshLookupKey, authn.Config{
		ConsoleAudience: cfg.ConsoleAudience,
		GatewayAudience: cfg.GatewayAudience,
		AccessTokenTTL:  cfg.AccessTokenTTL,
		RefreshTokenTTL: cfg.RefreshTokenTTL,
	}, nil)

	return &api.Deps{
		Authn:           authnSvc,
		Keys:            keys.NewManager(stores.Keys, hasher, recorder, nil),
		Groups:          groups.NewManager(stores.Groups, stores.Keys, eval, recorder, nil),
		Grants:          grants.NewManager(stores.Grants, stores.Posts, stores.Keys, stores.Groups, eval, recorder, nil),
		Posts:           posts.NewService(stores.Posts, stores.Groups, stores.Keys, eval, recorder, nil),
		Keychains:       keychains.NewManager(stores.Keychains, stores.Keys, eval, recorder, nil),
		Eval:            eval,
		Signer:          sig,
		KeyStore:        stores.Keys,
		ConsoleAudience: cfg.ConsoleAudience,
		GatewayAudience: cfg.GatewayAudience,
	}, nil
}
