package main

import (
	"context"
	"fmt"
	"os"

	"github.com/gagliardetto/solana-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"dammdash/internal/config"
	"dammdash/internal/cpamm"
	"dammdash/internal/metadata"
	"dammdash/internal/pnl"
	"dammdash/internal/positions"
	chain "dammdash/internal/solana"
)

func main() {
	root := &cobra.Command{
		Use:          "dammdash",
		Short:        "DAMM v2 pool and position dashboard",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Sync pools and serve the dashboard API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	config.RegisterFlags(serveCmd.Flags())
	root.AddCommand(serveCmd)

	positionsCmd := &cobra.Command{
		Use:   "positions <owner>",
		Short: "List an owner's positions",
		Args:  cobra.ExactArgs(1),
		RunE:  runPositions,
	}
	config.RegisterFlags(positionsCmd.Flags())
	root.AddCommand(positionsCmd)

	pnlCmd := &cobra.Command{
		Use:   "pnl <owner> <position>",
		Short: "Reconstruct a position's P&L from its transaction history",
		Args:  cobra.ExactArgs(2),
		RunE:  runPnl,
	}
	config.RegisterFlags(pnlCmd.Flags())
	root.AddCommand(pnlCmd)

	claimCmd := &cobra.Command{
		Use:   "claim <position>...",
		Short: "Claim unclaimed fees of the keypair owner's positions",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runClaim,
	}
	config.RegisterFlags(claimCmd.Flags())
	claimCmd.Flags().String("keypair", "", "path to a solana-keygen JSON keypair")
	root.AddCommand(claimCmd)

	closeCmd := &cobra.Command{
		Use:   "close <position>...",
		Short: "Claim, withdraw and close the keypair owner's positions",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runClose,
	}
	config.RegisterFlags(closeCmd.Flags())
	closeCmd.Flags().String("keypair", "", "path to a solana-keygen JSON keypair")
	root.AddCommand(closeCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds the components shared by every command.
type app struct {
	cfg       config.Config
	logger    *zap.Logger
	programID solana.PublicKey
	rpc       *chain.HTTPClient
	metadata  *metadata.Cache
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	programID := cpamm.ProgramID
	if cfg.ProgramID != "" {
		programID, err = solana.PublicKeyFromBase58(cfg.ProgramID)
		if err != nil {
			return nil, fmt.Errorf("program id: %w", err)
		}
	}

	var opts []metadata.ClientOption
	if cfg.MetadataKey != "" {
		opts = append(opts, metadata.WithAPIKey(cfg.MetadataKey))
	}
	cache := metadata.NewCache(metadata.NewJupiterClient(cfg.MetadataURL, opts...), nil, metadata.Config{
		MaxAge:     cfg.MetadataMaxAge,
		BatchSize:  cfg.MetadataBatchSize,
		BatchDelay: cfg.MetadataBatchDelay,
	}, logger)

	return &app{
		cfg:       cfg,
		logger:    logger,
		programID: programID,
		rpc:       chain.NewHTTPClient(cfg.RPCURL, chain.WithTimeout(cfg.CallTimeout)),
		metadata:  cache,
	}, nil
}

func (a *app) aggregator() *positions.Aggregator {
	return positions.NewAggregator(positions.Options{
		RPC:            a.rpc,
		Metadata:       a.metadata,
		Logger:         a.logger,
		CallTimeout:    a.cfg.CallTimeout,
		MetadataMaxAge: a.cfg.MetadataMaxAge,
	})
}

func (a *app) reconstructor() *pnl.Reconstructor {
	return pnl.NewReconstructor(pnl.Options{
		RPC:         a.rpc,
		ProgramID:   a.programID,
		Logger:      a.logger,
		CallTimeout: a.cfg.CallTimeout,
	})
}

// loadOwnerPositions refreshes the aggregator for owner.
func (a *app) loadOwnerPositions(ctx context.Context, agg *positions.Aggregator, owner string) error {
	key, err := solana.PublicKeyFromBase58(owner)
	if err != nil {
		return fmt.Errorf("owner: %w", err)
	}
	if _, err := agg.RefreshPositions(ctx, key); err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
