package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"marketwatch/internal/api"
	"marketwatch/internal/browser"
	"marketwatch/internal/checkpoint"
	"marketwatch/internal/config"
	"marketwatch/internal/dedup"
	"marketwatch/internal/health"
	"marketwatch/internal/imagecache"
	"marketwatch/internal/listing"
	"marketwatch/internal/logging"
	"marketwatch/internal/marketplace"
	"marketwatch/internal/pipeline"
	"marketwatch/internal/recovery"
	"marketwatch/internal/retry"
	"marketwatch/internal/scheduler"
)

// serveCmd runs the browser session, scheduler and HTTP API
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the browser session and the HTTP API",
	Long: `Starts the long-lived browser session and serves the HTTP API.

On startup the seen-listing store is reloaded from the durable database, the
browser is launched against the marketplace, and the maintenance scheduler
begins. SIGINT or SIGTERM flushes the seen-listing store before exit.`,
	RunE: runServe,
}

// stores opens the dedup store and image cache described by cfg.
func stores(ctx context.Context, cfg *config.Config) (*dedup.Store, *imagecache.Cache, error) {
	durable, err := dedup.OpenDurable(ctx, cfg.Storage.Driver, cfg.DatabasePath(), cfg.Storage.DSN, int32(cfg.Storage.MaxConns))
	if err != nil {
		return nil, nil, fmt.Errorf("open seen-listing store: %w", err)
	}
	opts := dedup.DefaultOptions()
	opts.MaxGlobal = cfg.Storage.MaxGlobal
	opts.MaxSession = cfg.Storage.MaxSession
	opts.RetainedTail = cfg.Storage.RetainedTail
	opts.Retention = cfg.GetRetention()
	seen := dedup.New(durable, opts)

	images := imagecache.New(imagecache.Options{
		Dir:        cfg.ImagesDir(),
		MaxEntries: cfg.Images.MaxEntries,
		MaxAge:     cfg.GetImageMaxAge(),
	}, imagecache.NewHTTPDownloader(cfg.GetDownloadTimeout(), cfg.Images.RatePerSecond, cfg.Images.Burst))
	return seen, images, nil
}

func launchOptions(cfg *config.Config) browser.LaunchOptions {
	return browser.LaunchOptions{
		Bin:            cfg.Browser.Bin,
		ProfileDir:     cfg.ProfileDir(),
		Headless:       cfg.Browser.Headless,
		UserAgent:      cfg.Browser.UserAgent,
		ViewportWidth:  cfg.Browser.ViewportWidth,
		ViewportHeight: cfg.Browser.ViewportHeight,
		Locale:         cfg.Browser.Locale,
		Flags:          cfg.Browser.Flags,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	seen, images, err := stores(ctx, cfg)
	if err != nil {
		return err
	}
	if n, err := seen.Load(ctx); err != nil {
		logging.BootWarn("reload seen listings: %v", err)
	} else {
		logging.Boot("reloaded %d seen listings", n)
	}

	sessions := browser.NewSessionManager(browser.Config{
		Launch:            launchOptions(cfg),
		BaseURL:           cfg.Browser.BaseURL,
		NavigationTimeout: cfg.GetNavigationTimeout(),
		SettleDelay:       cfg.GetSettleDelay(),
	}, browser.NewRodLauncher(), nil, retry.Sleep)

	healthCfg := health.DefaultConfig()
	healthCfg.ProbeTimeout = cfg.GetProbeTimeout()
	if len(cfg.Browser.BlockingTexts) > 0 {
		healthCfg.BlockingTexts = cfg.Browser.BlockingTexts
	}
	monitor := health.NewMonitor(healthCfg, sessions.Handle())

	checkpointCfg := checkpoint.DefaultConfig()
	checkpointCfg.ScreenshotDir = cfg.ScreenshotDir()
	checkpoints := checkpoint.NewHandler(checkpointCfg, retry.Sleep)

	site := marketplace.New(marketplace.Options{
		BaseURL:           cfg.Browser.BaseURL,
		Categories:        cfg.Browser.Categories,
		NavigationTimeout: cfg.GetNavigationTimeout(),
		AgeLookupTimeout:  cfg.GetAgeLookupTimeout(),
		AgeLookupRate:     cfg.Pipeline.AgeLookupRate,
	}, nil, retry.Sleep)

	orch := recovery.New(sessions, monitor, checkpoints, site, recovery.Options{
		RestartGrace: cfg.GetRestartGrace(),
	})

	backoffMin, backoffMax := cfg.GetBackoffRange()
	pipe := pipeline.New(orch, listing.NewHTMLExtractor(cfg.Browser.BaseURL), seen, images, site, pipeline.Options{
		MaxAttempts:  cfg.Pipeline.MaxAttempts,
		BackoffMin:   backoffMin,
		BackoffMax:   backoffMax,
		DefaultCount: cfg.Pipeline.DefaultCount,
		MaxCount:     cfg.Pipeline.MaxCount,
	})

	sched := scheduler.New(orch, seen, images, scheduler.IntervalsFromConfig(cfg))

	srv := api.New(api.Deps{
		Session:  orch,
		Listings: pipe,
		Seen:     seen,
		Images:   images,
		Catalog:  site,
		Jobs:     sched,
	}, api.OptionsFromConfig(cfg))
	port, err := srv.Listen()
	if err != nil {
		return err
	}
	logger.Info("HTTP API listening", zap.Int("port", port))

	if err := orch.Start(ctx); err != nil {
		// The API stays up so a client can retry through /restart-browser.
		logger.Error("browser session failed to start", zap.Error(err))
	} else {
		logger.Info("browser session ready", zap.Uint64("generation", orch.Status().Generation))
	}

	watcher, err := config.NewWatcher(configPath)
	if err != nil {
		logging.BootWarn("config hot reload disabled: %v", err)
	} else {
		watcher.Subscribe(sched.Reload)
		watcher.Subscribe(func(next *config.Config) {
			if err := logging.SetLevel(next.Logging.Level); err != nil {
				logging.BootWarn("apply log level: %v", err)
			}
		})
		if err := watcher.Start(ctx); err != nil {
			logging.BootWarn("config hot reload disabled: %v", err)
			watcher = nil
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx) })
	g.Go(func() error {
		sched.Start(gctx)
		<-gctx.Done()
		sched.Stop()
		return nil
	})

	err = g.Wait()
	logger.Info("shutting down")

	if watcher != nil {
		watcher.Stop()
	}
	if cerr := orch.Close(); cerr != nil {
		logger.Warn("close browser", zap.Error(cerr))
	}
	flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if cerr := seen.Close(flushCtx); cerr != nil {
		logger.Error("flush seen listings", zap.Error(cerr))
		err = errors.Join(err, cerr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	fmt.Fprintln(os.Stderr, "marketwatch stopped")
	return nil
}
