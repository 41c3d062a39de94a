package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	appscans "github.com/bryanwahyu/armoureye/internal/application/scans"
	domain "github.com/bryanwahyu/armoureye/internal/domain/scans"
	"github.com/bryanwahyu/armoureye/internal/infra/httpserver"
	"github.com/bryanwahyu/armoureye/internal/middleware"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control surface",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, log, middleware.NewMetrics())
			if err != nil {
				return err
			}
			defer a.close()

			if cfg.Sandbox.CleanupOnStart {
				if err := a.sandbox.Remove(ctx); err != nil {
					log.Warn("sandbox cleanup failed", zap.Error(err))
				}
			}
			// warm the sandbox; jobs retry on their own if this fails
			if info, err := a.sandbox.Acquire(ctx); err != nil {
				log.Warn("sandbox not ready", zap.Error(err))
			} else {
				log.Info("sandbox ready", zap.String("container", info.ContainerID), zap.Bool("reused", info.Reused))
			}

			opts := httpserver.Options{
				Scans:       a.scans,
				Archive:     a.archive,
				Errors:      a.errs,
				Metrics:     a.metrics,
				Checks:      a.checks(),
				CORSOrigins: cfg.Server.CORSOrigins,
				Log:         log,
			}
			if a.ai != nil {
				opts.AI = a.ai
			}
			stopSweep := make(chan struct{})
			defer close(stopSweep)
			if cfg.Server.RateLimit > 0 {
				opts.RateLimiter = middleware.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
				go opts.RateLimiter.Run(stopSweep)
			}

			addr := fmt.Sprintf(":%d", cfg.Server.Port)
			srv := &http.Server{
				Addr:         addr,
				Handler:      httpserver.NewRouter(opts),
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 15 * time.Second,
				IdleTimeout:  60 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				log.Info("server listening", zap.String("addr", addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case err := <-errCh:
				return fmt.Errorf("server error: %w", err)
			case <-ctx.Done():
			}
			log.Info("shutting down server...")

			ctx2, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(ctx2); err != nil {
				log.Warn("shutdown error", zap.Error(err))
			}
			if err := a.scans.Shutdown(ctx2); err != nil {
				log.Warn("scans still running at exit", zap.Error(err))
			}
			return nil
		},
	}
}

func newScanCmd(configPath *string) *cobra.Command {
	var (
		ip, image, profile, targetID string
		ports                        []int
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one scan synchronously and print the report as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := middleware.ValidateIP(ip); err != nil {
				return err
			}
			if err := middleware.ValidateImage(image); err != nil {
				return err
			}
			if err := middleware.ValidateProfile(profile); err != nil {
				return err
			}
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, log, nil)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.scans.Start(ctx, appscans.StartCommand{
				TargetID: targetID,
				IP:       ip,
				Image:    image,
				Profile:  domain.Profile(profile),
				Metadata: domain.Metadata{Image: image, Ports: ports},
			})
			if err != nil {
				return err
			}
			log.Info("scan started", zap.String("scan_id", string(res.ScanID)))

			job, err := a.scans.Wait(ctx, res.ScanID)
			if errors.Is(err, context.Canceled) {
				_ = a.scans.Stop(context.Background(), res.ScanID)
				job, err = a.scans.Status(context.Background(), res.ScanID)
			}
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(job); err != nil {
				return err
			}
			if job.Status == domain.StatusFailed {
				return fmt.Errorf("scan %s failed: %s", job.ID, job.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&ip, "ip", "", "target address")
	cmd.Flags().StringVar(&image, "image", "", "target container image")
	cmd.Flags().StringVar(&profile, "profile", "", "quick | misconfigs | deeper")
	cmd.Flags().StringVar(&targetID, "target-id", "", "stable target id (defaults to ip, then image)")
	cmd.Flags().IntSliceVar(&ports, "port", nil, "declared ports, repeatable")
	return cmd
}

func newCleanupCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove the sandbox container",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			if err := newSandbox(cfg, log).Remove(cmd.Context()); err != nil {
				return err
			}
			log.Info("sandbox removed", zap.String("name", cfg.Sandbox.Name))
			return nil
		},
	}
}
