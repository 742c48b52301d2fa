// slugger reconciles widget infrastructure on AWS.
//
// Usage:
//
//	slugger plan --config widgets.yaml [--format json]
//	slugger apply --config widgets.yaml
//	slugger validate --config widgets.yaml [--live]
//	slugger state list
//	slugger serve --port 8080
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"

	"slugger-infra/db/clickhouse"
	"slugger-infra/db/journal"
	"slugger-infra/db/state"
	"slugger-infra/decision/apply"
	"slugger-infra/decision/reconcile"
	"slugger-infra/decision/widget"
	rerrors "slugger-infra/pkg/errors"
	"slugger-infra/pkg/platform"
	awsprovider "slugger-infra/provider/aws"
	"slugger-infra/provider/memory"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "slugger",
		Usage:   "Reconcile slugger widget infrastructure",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),

		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "slugger.yaml",
				Usage:   "Widget configuration file",
				EnvVars: []string{"SLUGGER_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "state",
				Aliases: []string{"s"},
				Value:   "slugger.tfstate.json",
				Usage:   "State location (path, file://, bolt://, postgres://, s3://, mem://)",
				EnvVars: []string{"SLUGGER_STATE"},
			},
			&cli.DurationFlag{
				Name:    "state-lock-timeout",
				Value:   30 * time.Second,
				Usage:   "How long to wait for the state lock",
				EnvVars: []string{"SLUGGER_STATE_LOCK_TIMEOUT"},
			},
			&cli.StringFlag{
				Name:    "provider",
				Value:   "aws",
				Usage:   "Provisioner (aws, memory)",
				EnvVars: []string{"SLUGGER_PROVIDER"},
			},
			&cli.IntFlag{
				Name:    "parallelism",
				Value:   1,
				Usage:   "Independent resource groups applied concurrently",
				EnvVars: []string{"SLUGGER_PARALLELISM"},
			},
			&cli.IntFlag{
				Name:    "max-attempts",
				Value:   apply.DefaultRetryPolicy().MaxAttempts,
				Usage:   "Attempts per operation on transient provider errors",
				EnvVars: []string{"SLUGGER_MAX_ATTEMPTS"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "Log level (debug, info, warn, error)",
				EnvVars: []string{"SLUGGER_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "log-format",
				Value:   "text",
				Usage:   "Log format (text, json)",
				EnvVars: []string{"SLUGGER_LOG_FORMAT"},
			},
			&cli.StringFlag{
				Name:    "aws-region",
				Usage:   "AWS region, defaults to the configuration's discovered region",
				EnvVars: []string{"SLUGGER_AWS_REGION", "AWS_REGION"},
			},
			&cli.StringFlag{
				Name:    "aws-endpoint",
				Usage:   "AWS endpoint override for local emulators",
				EnvVars: []string{"SLUGGER_AWS_ENDPOINT"},
			},
			&cli.BoolFlag{
				Name:    "journal",
				Usage:   "Record apply attempts in ClickHouse",
				EnvVars: []string{"SLUGGER_JOURNAL"},
			},
			&cli.StringFlag{
				Name:    "clickhouse-host",
				Value:   "localhost",
				Usage:   "ClickHouse host",
				EnvVars: []string{"CLICKHOUSE_HOST"},
			},
			&cli.IntFlag{
				Name:    "clickhouse-port",
				Value:   9000,
				Usage:   "ClickHouse native port",
				EnvVars: []string{"CLICKHOUSE_PORT"},
			},
			&cli.StringFlag{
				Name:    "clickhouse-database",
				Value:   "slugger",
				Usage:   "ClickHouse database",
				EnvVars: []string{"CLICKHOUSE_DATABASE"},
			},
			&cli.StringFlag{
				Name:    "clickhouse-user",
				Value:   "default",
				Usage:   "ClickHouse user",
				EnvVars: []string{"CLICKHOUSE_USER"},
			},
			&cli.StringFlag{
				Name:    "clickhouse-password",
				Value:   "",
				Usage:   "ClickHouse password",
				EnvVars: []string{"CLICKHOUSE_PASSWORD"},
			},
		},

		Before: func(c *cli.Context) error {
			_, err := platform.InitLogger(c.String("log-level"), c.String("log-format"))
			return err
		},

		Commands: []*cli.Command{
			planCommand(),
			applyCommand(),
			validateCommand(),
			stateCommand(),
			serveCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := app.RunContext(ctx, os.Args)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(rerrors.ExitCode(err))
	}
}

// =============================================================================
// WIRING
// =============================================================================

// runtime is what a command needs to reach state, the provider and the
// journal. close releases all of it.
type runtime struct {
	cfg      *widget.Config
	backend  state.Backend
	engine   *reconcile.Engine
	journal  *journal.ClickHouseAdapter
	store    *clickhouse.Store
	registry *prometheus.Registry
	logger   *slog.Logger
}

type setupOptions struct {
	needConfig      bool
	needProvisioner bool
}

func setup(c *cli.Context, opts setupOptions) (*runtime, error) {
	ctx := c.Context
	rt := &runtime{logger: slog.Default(), registry: prometheus.NewRegistry()}
	rt.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if opts.needConfig {
		cfg, err := widget.NewParser().ParseFile(c.String("config"))
		if err != nil {
			return nil, cli.Exit(err.Error(), rerrors.ExitValidation)
		}
		rt.cfg = cfg
	}

	var awsCfg *aws.Config
	if needsAWS(c, opts) {
		region := c.String("aws-region")
		if region == "" && rt.cfg != nil {
			region = rt.cfg.Discovered.Region
		}
		awsOpts := platform.AWSOptionsFromEnv()
		awsOpts.Region = region
		awsOpts.Endpoint = c.String("aws-endpoint")
		loaded, err := platform.LoadAWSConfig(ctx, awsOpts)
		if err != nil {
			return nil, err
		}
		awsCfg = &loaded
	}

	backend, err := state.Open(ctx, c.String("state"), state.OpenOptions{
		AWS:         awsCfg,
		LockTimeout: c.Duration("state-lock-timeout"),
	})
	if err != nil {
		return nil, err
	}
	rt.backend = backend

	var provisioner apply.Provisioner
	if opts.needProvisioner {
		switch c.String("provider") {
		case "aws":
			var discovered widget.Discovered
			if rt.cfg != nil {
				discovered = rt.cfg.Discovered
			}
			provisioner = awsprovider.NewProvisioner(awsprovider.NewClients(*awsCfg), discovered, rt.logger)
		case "memory":
			region, account := "us-east-1", "000000000000"
			if rt.cfg != nil {
				region, account = rt.cfg.Discovered.Region, rt.cfg.Discovered.AccountID
			}
			provisioner = memory.New(region, account)
		default:
			rt.close(ctx)
			return nil, fmt.Errorf("unknown provider %q", c.String("provider"))
		}
	}

	if c.Bool("journal") {
		store, err := clickhouse.NewStore(clickhouseConfig(c))
		if err != nil {
			rt.close(ctx)
			return nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			rt.close(ctx)
			return nil, err
		}
		rt.store = store
		rt.journal = journal.NewClickHouseAdapter(store, journal.DefaultBatchSize)
	}

	options := apply.Options{
		Parallelism: c.Int("parallelism"),
		Retry:       apply.DefaultRetryPolicy(),
		Logger:      rt.logger,
		Metrics:     apply.NewMetrics(rt.registry),
	}
	options.Retry.MaxAttempts = c.Int("max-attempts")
	if rt.journal != nil {
		options.Journal = rt.journal
	}
	rt.engine = reconcile.NewEngine(backend, provisioner, options)
	return rt, nil
}

func needsAWS(c *cli.Context, opts setupOptions) bool {
	if opts.needProvisioner && c.String("provider") == "aws" {
		return true
	}
	return strings.HasPrefix(c.String("state"), "s3://")
}

func clickhouseConfig(c *cli.Context) *clickhouse.Config {
	cfg := clickhouse.DefaultConfig()
	cfg.Host = c.String("clickhouse-host")
	cfg.Port = c.Int("clickhouse-port")
	cfg.Database = c.String("clickhouse-database")
	cfg.Username = c.String("clickhouse-user")
	cfg.Password = c.String("clickhouse-password")
	return cfg
}

func (rt *runtime) close(ctx context.Context) {
	if rt.journal != nil {
		if err := rt.journal.Flush(context.WithoutCancel(ctx)); err != nil {
			rt.logger.Warn("journal flush failed", "error", err)
		}
	}
	if rt.store != nil {
		rt.store.Close()
	}
	if closer, ok := rt.backend.(io.Closer); ok {
		closer.Close()
	}
}
