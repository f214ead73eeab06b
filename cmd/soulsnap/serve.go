package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/soulsnap/soulsnap/internal/api"
	"github.com/soulsnap/soulsnap/internal/config"
	"github.com/soulsnap/soulsnap/internal/storage"
)

const shutdownTimeout = 10 * time.Second

func serveCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the backup API server",
		Long: `Serve the /backup API backed by a local directory or an S3 bucket.
Uploads larger than --max-size are rejected with 413.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := a.cfg.Server

			provider, err := newProvider(ctx, cfg)
			if err != nil {
				return err
			}

			handler, err := api.NewServer(api.Options{
				Provider:      provider,
				MaxSize:       int64(a.cfg.MaxSize),
				PresignExpiry: cfg.PresignExpiry,
				PublicURL:     cfg.PublicURL,
				Logger:        a.log,
			})
			if err != nil {
				return err
			}

			inv, err := handler.Inventory(ctx)
			if err != nil {
				return fmt.Errorf("storage is not usable: %w", err)
			}

			srv := &http.Server{
				Addr:              cfg.Addr,
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.ListenAndServe()
			}()

			a.log.WithFields(logrus.Fields{
				"addr":    cfg.Addr,
				"storage": cfg.Storage,
				"backups": inv.Backups,
				"stored":  humanize.IBytes(uint64(inv.TotalBytes)),
			}).Info("Backup API listening")

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return fmt.Errorf("server failed: %w", err)
			case <-ctx.Done():
			}

			a.log.Info("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	flags := cmd.Flags()
	flags.String("addr", "", "Listen address (default: 127.0.0.1:8080)")
	flags.String("public-url", "", "Base URL used in download links")
	flags.String("storage", "", "Storage backend: local or s3")
	flags.String("path", "", "Directory for local storage")
	flags.Duration("presign-expiry", 0, "Lifetime of presigned S3 download links")
	flags.String("s3-bucket", "", "S3 bucket name")
	flags.String("s3-region", "", "AWS region")
	flags.String("s3-endpoint", "", "S3 endpoint URL")
	flags.String("s3-access-key", "", "AWS Access Key ID")
	flags.String("s3-secret-key", "", "AWS Secret Access Key")
	flags.String("s3-prefix", "", "Key prefix inside the bucket")

	for name, key := range map[string]string{
		"addr":           "server.addr",
		"public-url":     "server.public_url",
		"storage":        "server.storage",
		"path":           "server.path",
		"presign-expiry": "server.presign_expiry",
		"s3-bucket":      "server.s3.bucket",
		"s3-region":      "server.s3.region",
		"s3-endpoint":    "server.s3.endpoint",
		"s3-access-key":  "server.s3.access_key",
		"s3-secret-key":  "server.s3.secret_key",
		"s3-prefix":      "server.s3.prefix",
	} {
		_ = a.v.BindPFlag(key, flags.Lookup(name))
	}

	return cmd
}

func newProvider(ctx context.Context, cfg config.ServerConfig) (storage.Provider, error) {
	switch cfg.Storage {
	case config.StorageS3:
		provider, err := storage.NewS3Provider(ctx, storage.S3Config(cfg.S3))
		if err != nil {
			return nil, fmt.Errorf("failed to configure S3 storage: %w", err)
		}
		return provider, nil
	default:
		provider, err := storage.NewLocalProvider(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open local storage: %w", err)
		}
		return provider, nil
	}
}
