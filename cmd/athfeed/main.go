package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kfishgm/btcbot-sub001/internal/config"
	"github.com/kfishgm/btcbot-sub001/internal/feed"
	"github.com/kfishgm/btcbot-sub001/internal/logger"
	"github.com/kfishgm/btcbot-sub001/internal/metrics"
	"github.com/kfishgm/btcbot-sub001/internal/server"
	"github.com/kfishgm/btcbot-sub001/internal/telemetry"
	"github.com/kfishgm/btcbot-sub001/internal/types"
	"github.com/kfishgm/btcbot-sub001/internal/version"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

var configFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "Path to a YAML config file. Values can be overridden with ATHFEED_* environment variables",
	Sources: cli.EnvVars("ATHFEED_CONFIG"),
}

// runAction streams klines for the configured symbol, logs every ATH change and
// serves the HTTP surface until interrupted.
func runAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	shutdownTracer, err := telemetry.Init(cfg.Trace, cmd.Root().ErrWriter, log)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	onATH := feed.OnATHChangedCallback(func(change types.ATHChange) {
		log.Info("New ATH",
			zap.String("symbol", change.Bar.Symbol),
			zap.String("old", change.Old.String()),
			zap.String("new", change.New.String()),
			zap.Time("bar_open_time", change.Bar.OpenTime))
	})
	onError := feed.OnErrorCallback(func(err error) {
		log.Warn("Feed error", zap.Error(err))
	})
	onMaxRetries := feed.OnMaxRetriesCallback(func(attempts int) {
		log.Error("Stream gave up reconnecting", zap.Int("attempts", attempts))
	})
	onPolling := feed.OnPollingChangeCallback(func(active bool) {
		log.Info("Polling fallback changed", zap.Bool("active", active))
	})

	f := feed.New(cfg, feed.Dependencies{
		Fetcher: nil,
		Dialer:  nil,
		Metrics: m,
		Logger:  log,
		Clock:   nil,
	}, feed.Callbacks{
		OnBarClosed:     nil,
		OnBarUpdated:    nil,
		OnATHChanged:    &onATH,
		OnStateChange:   nil,
		OnError:         &onError,
		OnMaxRetries:    &onMaxRetries,
		OnPollingChange: &onPolling,
	})

	srv := server.New(cfg.Symbol, f, m.Registry(), log)
	if cfg.HTTP.Addr != "" {
		if err := srv.Start(cfg.HTTP.Addr); err != nil {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}

	if err := f.Start(ctx); err != nil {
		_ = srv.Shutdown(context.Background())

		return fmt.Errorf("failed to start feed: %w", err)
	}

	log.Info("Feed started",
		zap.String("version", version.GetVersion()),
		zap.Bool("development", version.IsDevelopment()),
		zap.String("symbol", cfg.Symbol),
		zap.String("interval", cfg.Interval),
		zap.Int("capacity", cfg.Window.Capacity))

	<-ctx.Done()
	log.Info("Shutting down")

	f.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}

	return nil
}

func schemaAction(_ context.Context, cmd *cli.Command) error {
	schema, err := config.Schema()
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	_, err = fmt.Fprintln(cmd.Root().Writer, schema)

	return err
}

func configAction(_ context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	out, err := cfg.YAML()
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}

	_, err = cmd.Root().Writer.Write(out)

	return err
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:      "athfeed",
		Usage:     "Track the rolling all-time high of a Binance kline stream",
		Version:   version.GetVersion(),
		Writer:    os.Stdout,
		ErrWriter: os.Stderr,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Start the feed and the HTTP server",
				Flags:  []cli.Flag{configFlag},
				Action: runAction,
			},
			{
				Name:   "schema",
				Usage:  "Print the JSON schema of the config file",
				Action: schemaAction,
			},
			{
				Name:   "config",
				Usage:  "Print the effective configuration as YAML",
				Flags:  []cli.Flag{configFlag},
				Action: configAction,
			},
		},
	}
}

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
