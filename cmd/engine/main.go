// dlmm-mm-engine is the automated market-making controller's entrypoint.
// It wires config, persistence, telemetry and metrics together and drives
// the scheduler loop. Structured the way the teacher's cmd/main.go drove its
// single Blackhole strategy loop, generalized to urfave/cli/v2 subcommands.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"

	dlmm "github.com/032383justin/dlmm-mm-engine"
	"github.com/032383justin/dlmm-mm-engine/configs"
	"github.com/032383justin/dlmm-mm-engine/internal/clock"
	"github.com/032383justin/dlmm-mm-engine/internal/metrics"
	"github.com/032383justin/dlmm-mm-engine/internal/store"
	"github.com/032383justin/dlmm-mm-engine/internal/telemetry"
	"github.com/032383justin/dlmm-mm-engine/pkg/feed"
	"github.com/032383justin/dlmm-mm-engine/pkg/ids"
)

// noopFeed is a placeholder FeedSource until a real pool-discovery
// collaborator (RPC indexer or subgraph client) is wired in; it lets
// `reconcile` and dry runs exercise bootstrap without one.
type noopFeed struct{}

func (noopFeed) PoolSnapshots(ctx context.Context) ([]feed.PoolSnapshot, error) {
	return nil, nil
}

const clientIdentifier = "dlmm-mm-engine"

var configPathFlag = &cli.StringFlag{
	Name:  "config",
	Usage: "path to config.yml",
	Value: "config.yml",
}

var metricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Usage: "address to serve /metrics on",
	Value: ":9090",
}

var logLevelFlag = &cli.StringFlag{
	Name:  "log-level",
	Usage: "zerolog level (debug, info, warn, error)",
	Value: "info",
}

var totalEquityFlag = &cli.StringFlag{
	Name:  "total-equity",
	Usage: "total portfolio equity in USD, required to build the reconciliation seal",
	Value: "0",
}

func main() {
	app := &cli.App{
		Name:    clientIdentifier,
		Usage:   "concentrated-liquidity market-making decision core",
		Version: "0.1.0",
		Flags:   []cli.Flag{configPathFlag, metricsAddrFlag, logLevelFlag, totalEquityFlag},
		Commands: []*cli.Command{
			runCommand,
			reconcileCommand,
			versionCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "bootstrap the reconciliation seal and run the scheduler loop",
	Action: func(c *cli.Context) error {
		cfg, eng, reg, err := bootstrapEngine(c)
		if err != nil {
			return err
		}

		if cfg.ReconcileOnly {
			log.Info().Msg("reconcile-only mode: seal built, exiting without starting scheduler")
			return nil
		}

		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", reg.Handler())
			log.Info().Str("addr", c.String("metrics-addr")).Msg("serving metrics")
			if err := http.ListenAndServe(c.String("metrics-addr"), mux); err != nil {
				log.Error().Err(err).Msg("metrics server stopped")
			}
		}()

		sched := dlmm.NewScheduler(cfg.ScanInterval, eng.RunCycle)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		log.Info().Dur("scan_interval", cfg.ScanInterval).Msg("starting scheduler")
		sched.Start(ctx, clock.System{}.Now)
		log.Info().Int("skipped_cycles", sched.SkippedCycles()).Msg("scheduler stopped")
		return nil
	},
}

var reconcileCommand = &cli.Command{
	Name:  "reconcile",
	Usage: "build the reconciliation seal and exit without starting the scheduler",
	Action: func(c *cli.Context) error {
		_, _, _, err := bootstrapEngine(c)
		return err
	},
}

var versionCommand = &cli.Command{
	Name:  "version",
	Usage: "print the engine version",
	Action: func(c *cli.Context) error {
		fmt.Println(c.App.Version)
		return nil
	},
}

func bootstrapEngine(c *cli.Context) (*configs.Config, *dlmm.Engine, *metrics.Registry, error) {
	if err := telemetry.Configure(c.String("log-level"), false); err != nil {
		return nil, nil, nil, fmt.Errorf("configure telemetry: %w", err)
	}

	cfg, err := configs.LoadConfig(c.String("config"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	st, err := store.Open(cfg.DatabaseDSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open store: %w", err)
	}

	reg := metrics.New()
	eng := dlmm.NewEngine(clock.System{}, noopFeed{}, st, reg, cfg.DevMode)

	totalEquity, err := decimal.NewFromString(c.String("total-equity"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("invalid --total-equity: %w", err)
	}

	ctx := context.Background()
	if err := eng.Bootstrap(ctx, ids.New(), totalEquity); err != nil {
		return nil, nil, nil, fmt.Errorf("bootstrap engine: %w", err)
	}

	return cfg, eng, reg, nil
}
