package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dammdash/internal/api"
	"dammdash/internal/poolsync"
	chain "dammdash/internal/solana"
)

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var ws chain.WSClient
	if a.cfg.Live && a.cfg.WSURL != "" {
		wsCfg := chain.DefaultWSConfig()
		wsCfg.Logger = a.logger
		client, err := chain.NewWSClient(ctx, a.cfg.WSURL, &wsCfg)
		if err != nil {
			return fmt.Errorf("connect websocket: %w", err)
		}
		defer client.Close()
		ws = client
	}

	engine := poolsync.NewEngine(poolsync.EngineOptions{
		RPC:                 a.rpc,
		WS:                  ws,
		Metadata:            a.metadata,
		Logger:              a.logger,
		ProgramID:           a.programID,
		TickInterval:        a.cfg.TickInterval,
		PartitionCap:        a.cfg.PartitionCap,
		ScanLimit:           a.cfg.ScanLimit,
		MainFeeThresholdBps: a.cfg.MainFeeThresholdBps,
		SlotSlack:           &a.cfg.SlotSlack,
		TimeSlack:           &a.cfg.TimeSlack,
		CallTimeout:         a.cfg.CallTimeout,
		MetadataEvery:       a.cfg.MetadataEvery,
		MetadataMaxAge:      a.cfg.MetadataMaxAge,
	})
	server := api.NewServer(a.cfg.Listen, engine, a.aggregator(), a.reconstructor(), a.logger)

	a.logger.Info("dashboard start",
		zap.String("rpc", a.cfg.RPCURL),
		zap.Bool("live", ws != nil),
		zap.String("program", a.programID.String()),
		zap.String("listen", a.cfg.Listen),
		zap.Duration("tick_interval", a.cfg.TickInterval),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(ctx, ws != nil)
	})
	g.Go(func() error {
		return server.ListenAndServe(ctx)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.logger.Info("shutdown complete")
	return nil
}
