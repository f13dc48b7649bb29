package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"marketwatch/internal/dedup"
)

// sweepCmd runs the retention and image sweeps once
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run the seen-listing retention sweep and image sweep once",
	Long: `Deletes seen-listing rows older than the retention window, removes legacy
rows without a first-seen time, and sweeps expired and duplicate files from
the image directory. Safe to run while the server is stopped.`,
	RunE: runSweep,
}

// clearCacheCmd clears the durable seen-listing rows
var clearCacheCmd = &cobra.Command{
	Use:   "clear-cache",
	Short: "Delete every durable seen-listing row",
	Long: `Clears the seen-listing database, so listings seen before are delivered
again. Run it while the server is stopped; a running server keeps its
in-memory tiers until POST /clear-cache.`,
	RunE: runClearCache,
}

var seenLimit int

// seenCmd prints the most recently seen listing URLs from the durable store
var seenCmd = &cobra.Command{
	Use:   "seen",
	Short: "List the most recently seen listing URLs",
	RunE:  runSeen,
}

func init() {
	seenCmd.Flags().IntVarP(&seenLimit, "limit", "n", 10, "Number of URLs to print")
}

func runSeen(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	durable, err := dedup.OpenDurable(ctx, cfg.Storage.Driver, cfg.DatabasePath(), cfg.Storage.DSN, int32(cfg.Storage.MaxConns))
	if err != nil {
		return err
	}
	if durable == nil {
		return fmt.Errorf("storage driver %q keeps no durable rows", cfg.Storage.Driver)
	}
	defer durable.Close()

	total, err := durable.Count(ctx)
	if err != nil {
		return err
	}
	urls, err := durable.Recent(ctx, seenLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%d seen listings (%s)\n", total, cfg.Storage.Driver)
	for i := len(urls) - 1; i >= 0; i-- {
		fmt.Fprintf(out, "  %s\n", urls[i])
	}
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	seen, images, err := stores(ctx, cfg)
	if err != nil {
		return err
	}
	defer seen.Close(ctx)

	res, err := seen.RetentionSweep(ctx)
	if err != nil {
		return fmt.Errorf("retention sweep: %w", err)
	}
	logger.Info("retention sweep complete",
		zap.Int64("expired", res.Expired),
		zap.Int64("legacy", res.Legacy),
		zap.Bool("compacted", res.Compacted))

	imgs, err := images.Sweep()
	if err != nil {
		return fmt.Errorf("image sweep: %w", err)
	}
	logger.Info("image sweep complete",
		zap.Int("expired", imgs.Expired),
		zap.Int("duplicates", imgs.Duplicates),
		zap.Int("kept", imgs.Kept))

	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d expired and %d legacy rows; %d expired and %d duplicate images (%d kept)\n",
		res.Expired, res.Legacy, imgs.Expired, imgs.Duplicates, imgs.Kept)
	return nil
}

func runClearCache(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	seen, _, err := stores(ctx, cfg)
	if err != nil {
		return err
	}
	defer seen.Close(ctx)

	before := seen.Stats(ctx).Durable
	if err := seen.ClearGlobal(ctx); err != nil {
		return fmt.Errorf("clear seen listings: %w", err)
	}
	logger.Info("seen-listing store cleared", zap.Int64("rows", before))
	fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d seen-listing rows\n", before)
	return nil
}
