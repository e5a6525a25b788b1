// The kiosk command drives an unattended signage display: it polls a
// playlist feed, caches remote creatives locally and serves the slot on
// screen to the render surface.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agleyzer/kiosk/internal/assetcache"
	"github.com/agleyzer/kiosk/internal/clock"
	"github.com/agleyzer/kiosk/internal/config"
	"github.com/agleyzer/kiosk/internal/events"
	"github.com/agleyzer/kiosk/internal/fetcher"
	"github.com/agleyzer/kiosk/internal/parser"
	"github.com/agleyzer/kiosk/internal/playlist"
	"github.com/agleyzer/kiosk/internal/server"
	"github.com/agleyzer/kiosk/internal/updates"
	"github.com/agleyzer/kiosk/internal/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "kiosk [flags] <feed-url>",
		Short: "Play a looping signage playlist with local asset caching",
		Long: `kiosk polls a JSON playlist feed, plays its creatives in a continuous
loop with timed transitions, and mirrors remote images and videos into a
local cache so playback survives network loss.

Examples:
  kiosk https://signage.example.com/playlist.json
  kiosk --config /etc/kiosk.yaml
  kiosk --dev --poll-interval 10s --cache-dir /var/cache/kiosk https://signage.example.com/playlist.json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig(cmd, args)
			if err != nil {
				return err
			}

			logger := newLogger(cfg.Verbose)
			logger.Info("kiosk starting",
				"build", version.Build,
				"devBuild", version.IsDev(),
				"dev", cfg.DevMode,
			)

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if err := run(ctx, cfg, logger); err != nil {
				logger.Error("application error", "error", err)
				return err
			}

			logger.Info("kiosk stopped")
			return nil
		},
	}

	flags := root.Flags()
	flags.String("config", "", "Path to a YAML config file")
	flags.Int("port", 8080, "HTTP server port")
	flags.String("cache-dir", "./cache", "Directory for cached assets")
	flags.Duration("poll-interval", 60*time.Second, "Playlist poll interval")
	flags.Int("concurrency", 4, "Maximum concurrent asset downloads")
	flags.Float64("rate", 2, "Maximum asset requests started per second")
	flags.Int("max-bandwidth", 0, "Bandwidth cap (bits/s) for mirrored HLS renditions, 0 for best")
	flags.String("update-url", "", "Build info URL to check for updates")
	flags.Duration("update-interval", 15*time.Minute, "Update check interval")
	flags.Bool("dev", false, "Enable dev mode (manual navigation)")
	flags.BoolP("verbose", "v", false, "Enable verbose logging")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the build number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "kiosk build %s\n", version.Build)
		},
	})

	return root
}

// buildConfig layers the config file, the environment and explicitly set
// flags, in that order, and validates the result.
func buildConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	flags := cmd.Flags()

	path, _ := flags.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if len(args) > 0 {
		cfg.FeedURL = args[0]
	}
	if flags.Changed("port") {
		cfg.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("cache-dir") {
		cfg.CacheDir, _ = flags.GetString("cache-dir")
	}
	if flags.Changed("poll-interval") {
		cfg.PollInterval, _ = flags.GetDuration("poll-interval")
	}
	if flags.Changed("concurrency") {
		cfg.DownloadConcurrency, _ = flags.GetInt("concurrency")
	}
	if flags.Changed("rate") {
		cfg.DownloadRate, _ = flags.GetFloat64("rate")
	}
	if flags.Changed("max-bandwidth") {
		cfg.MaxBandwidth, _ = flags.GetInt("max-bandwidth")
	}
	if flags.Changed("update-url") {
		cfg.UpdateURL, _ = flags.GetString("update-url")
	}
	if flags.Changed("update-interval") {
		cfg.UpdateInterval, _ = flags.GetDuration("update-interval")
	}
	if flags.Changed("dev") {
		cfg.DevMode, _ = flags.GetBool("dev")
	}
	if flags.Changed("verbose") {
		cfg.Verbose, _ = flags.GetBool("verbose")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	cacheDir, err := filepath.Abs(cfg.CacheDir)
	if err != nil {
		return fmt.Errorf("resolve cache dir: %w", err)
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	fs := afero.NewBasePathFs(afero.NewOsFs(), cacheDir)
	logger.Info("using asset cache", "dir", cacheDir)

	store := assetcache.NewFileStore(assetcache.StoreConfig{
		Fs:            fs,
		RatePerSecond: cfg.DownloadRate,
		PublicPrefix:  server.AssetsPrefix,
		MaxBandwidth:  cfg.MaxBandwidth,
	}, logger)
	cache := assetcache.New(store, cfg.DownloadConcurrency, logger)

	bus := events.NewBus()

	scheduler := playlist.New(cache, clock.Real(), cfg.DevMode, logger)
	defer scheduler.Close()

	unsubscribe := scheduler.Subscribe(func(snap playlist.Snapshot) {
		bus.Publish(events.TypeSlot, snap)
	})
	defer unsubscribe()

	source := parser.NewHTTPSource(cfg.FeedURL, nil, logger)
	feed := fetcher.New(source, scheduler, cache, bus, cfg.PollInterval, logger)

	srv := server.New(scheduler, feed, bus, server.Config{
		Port:    cfg.Port,
		DevMode: cfg.DevMode,
		Build:   version.Build,
		Assets:  fs,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(gctx); err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return feed.Run(gctx)
	})

	if cfg.UpdateURL != "" {
		checker := updates.New(cfg.UpdateURL, version.Build, nil, bus, cfg.UpdateInterval, logger)
		g.Go(func() error {
			return checker.Run(gctx)
		})
	}

	logger.Info("kiosk is ready",
		"feed", cfg.FeedURL,
		"now", fmt.Sprintf("http://localhost:%d/now", cfg.Port),
		"events", fmt.Sprintf("ws://localhost:%d/ws", cfg.Port),
	)

	return g.Wait()
}
