package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/osvaldoandrade/crowdq/pkg/auth/hmac"   // Register HMAC JWT operator auth provider
	_ "github.com/osvaldoandrade/crowdq/pkg/auth/static" // Register static token auth provider (dev/local)
	"github.com/osvaldoandrade/crowdq/pkg/config"
	_ "github.com/osvaldoandrade/crowdq/pkg/marketplace/memory" // In-process sandbox marketplace
	_ "github.com/osvaldoandrade/crowdq/pkg/marketplace/redis"  // Shared Redis sandbox marketplace
	_ "github.com/osvaldoandrade/crowdq/pkg/marketplace/rest"   // HTTP marketplace binding

	"github.com/osvaldoandrade/crowdq/pkg/app"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	cfgPath := getenv("CROWDQ_CONFIG_PATH", "")
	exitOnComplete := getenv("CROWDQ_EXIT_ON_COMPLETE", "") == "true"

	cfg, err := config.LoadConfigOptional(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "[ERROR] load config:", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "[ERROR] invalid config:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.NewApplication(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "[ERROR] init app:", err)
		os.Exit(1)
	}
	app.SetupMappings(application)
	logger := application.Logger

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           application.Engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintln(os.Stderr, "[ERROR] http server:", err)
			os.Exit(1)
		}
	}()
	logger.Info("operator api listening", "addr", addr)

	campaignDone := make(chan error, 1)
	go func() { campaignDone <- application.RunCampaign(ctx) }()

	select {
	case err := <-campaignDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("campaign stopped", "err", err)
		} else {
			logger.Info("campaign finished", "status", application.Campaign.Status())
		}
		if !exitOnComplete {
			<-ctx.Done()
		}
	case <-ctx.Done():
		// Run flushes partial results before returning
		if err := <-campaignDone; err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("campaign stopped", "err", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	if err := application.Close(shutdownCtx); err != nil {
		fmt.Fprintln(os.Stderr, "[ERROR] close:", err)
	}
}
