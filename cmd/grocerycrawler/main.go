// Package main is the grocery price crawler binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/grocery-price-crawler/internal/config"
	"github.com/JakeFAU/grocery-price-crawler/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := flag.String("config", "", "Path to config file")
	mode := flag.String("mode", string(server.ModeCrawl), "crawl, serve, cleanup or merge")
	from := flag.String("from", "", "Snapshot file to merge (merge mode)")
	storeName := flag.String("store", "", "Store to merge into (merge mode, defaults to the first configured store)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config failed: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := server.Build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build failed: %w", err)
	}
	logger := app.Logger()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.Close(shutdownCtx); err != nil {
			logger.Error("close failed", zap.Error(err))
		}
	}()

	err = app.Run(ctx, server.RunOptions{
		Mode:  server.Mode(*mode),
		Store: *storeName,
		From:  *from,
	})
	if err != nil {
		logger.Error("run failed", zap.String("mode", *mode), zap.Error(err))
		return fmt.Errorf("%s: %w", *mode, err)
	}
	return nil
}
