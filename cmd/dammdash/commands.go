package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gagliardetto/solana-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dammdash/internal/domain"
	"dammdash/internal/positions"
	"dammdash/internal/txsubmit"
)

func runPositions(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agg := a.aggregator()
	if err := a.loadOwnerPositions(ctx, agg, args[0]); err != nil {
		return err
	}
	return printJSON(cmd, agg.Positions())
}

func runPnl(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	address, err := solana.PublicKeyFromBase58(args[1])
	if err != nil {
		return fmt.Errorf("position: %w", err)
	}
	agg := a.aggregator()
	if err := a.loadOwnerPositions(ctx, agg, args[0]); err != nil {
		return err
	}
	info, err := agg.Get(address)
	if err != nil {
		return err
	}
	summary, err := a.reconstructor().ComputePnl(ctx, info)
	if err != nil {
		return err
	}
	return printJSON(cmd, summary)
}

func runClaim(cmd *cobra.Command, args []string) error {
	return runBatch(cmd, args, func(ctx context.Context, sub *txsubmit.Submitter, infos []domain.PoolPositionInfo) []txsubmit.Result {
		return sub.ClaimFees(ctx, infos)
	})
}

func runClose(cmd *cobra.Command, args []string) error {
	return runBatch(cmd, args, func(ctx context.Context, sub *txsubmit.Submitter, infos []domain.PoolPositionInfo) []txsubmit.Result {
		return sub.ClosePositions(ctx, infos)
	})
}

type batchFunc func(ctx context.Context, sub *txsubmit.Submitter, infos []domain.PoolPositionInfo) []txsubmit.Result

// runBatch loads the keypair owner's positions, selects the ones named in
// args and submits one transaction per position.
func runBatch(cmd *cobra.Command, args []string, submit batchFunc) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.logger.Sync()

	path, _ := cmd.Flags().GetString("keypair")
	if path == "" {
		return errors.New("--keypair is required")
	}
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return fmt.Errorf("load keypair: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agg := a.aggregator()
	if err := a.loadOwnerPositions(ctx, agg, key.PublicKey().String()); err != nil {
		return err
	}
	infos, err := selectPositions(agg, args)
	if err != nil {
		return err
	}

	sub := txsubmit.NewSubmitter(txsubmit.Options{
		RPC:         a.rpc,
		Signer:      txsubmit.NewKeypairSigner(key),
		Tracker:     agg,
		Logger:      a.logger,
		CallTimeout: a.cfg.CallTimeout,
	})

	var failed int
	for _, res := range submit(ctx, sub, infos) {
		if res.Err != nil {
			failed++
			a.logger.Error("position action failed",
				zap.Stringer("position", res.Position),
				zap.String("signature", res.Signature),
				zap.Error(res.Err),
			)
			continue
		}
		a.logger.Info("position action confirmed",
			zap.Stringer("position", res.Position),
			zap.String("signature", res.Signature),
		)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d actions failed", failed, len(infos))
	}
	return nil
}

func selectPositions(agg *positions.Aggregator, args []string) ([]domain.PoolPositionInfo, error) {
	infos := make([]domain.PoolPositionInfo, 0, len(args))
	for _, arg := range args {
		address, err := solana.PublicKeyFromBase58(arg)
		if err != nil {
			return nil, fmt.Errorf("position %q: %w", arg, err)
		}
		info, err := agg.Get(address)
		if err != nil {
			return nil, fmt.Errorf("position %s: %w", address, err)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
