package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"slugger-infra/api"
	"slugger-infra/decision/apply"
	"slugger-infra/decision/policy"
	rerrors "slugger-infra/pkg/errors"
	"slugger-infra/pkg/platform"
)

// exit attaches the process exit code an error maps to.
func exit(err error) error {
	if err == nil {
		return nil
	}
	if coder, ok := err.(cli.ExitCoder); ok {
		return coder
	}
	return cli.Exit(fmt.Sprintf("Error: %v", err), rerrors.ExitCode(err))
}

// =============================================================================
// PLAN COMMAND
// =============================================================================

func planCommand() *cli.Command {
	return &cli.Command{
		Name:  "plan",
		Usage: "Show the operations apply would run",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "format",
				Aliases: []string{"f"},
				Value:   "text",
				Usage:   "Output format (text, json)",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "List unchanged resources too",
			},
		},
		Action: func(c *cli.Context) error {
			rt, err := setup(c, setupOptions{needConfig: true})
			if err != nil {
				return exit(err)
			}
			defer rt.close(c.Context)

			planned, err := rt.engine.Plan(c.Context, rt.cfg)
			if err != nil {
				return exit(err)
			}
			if c.String("format") == "json" {
				return planned.Plan.WriteJSON(os.Stdout)
			}
			return planned.Plan.WriteText(os.Stdout, c.Bool("verbose"))
		},
	}
}

// =============================================================================
// APPLY COMMAND
// =============================================================================

func applyCommand() *cli.Command {
	return &cli.Command{
		Name:  "apply",
		Usage: "Reconcile the infrastructure with the configuration",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "format",
				Aliases: []string{"f"},
				Value:   "text",
				Usage:   "Report format (text, json)",
			},
		},
		Action: func(c *cli.Context) error {
			rt, err := setup(c, setupOptions{needConfig: true, needProvisioner: true})
			if err != nil {
				return exit(err)
			}
			defer rt.close(c.Context)

			applied, err := rt.engine.Apply(c.Context, rt.cfg)
			if applied == nil || applied.Result == nil {
				return exit(err)
			}
			if applied.Plan != nil && c.String("format") != "json" {
				if werr := applied.Plan.Plan.WriteText(os.Stdout, false); werr != nil {
					return werr
				}
			}
			if werr := writeResult(c.String("format"), applied.Result); werr != nil {
				return werr
			}
			return exit(err)
		},
	}
}

func writeResult(format string, res *apply.Result) error {
	if format == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, group := range [][]apply.OpResult{res.Completed, res.Failed, res.Skipped} {
		for _, op := range group {
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", op.Outcome, op.Action.Symbol(), op.ResourceID, op.Error)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\nApply %s: %d applied, %d failed, %d skipped in %s.\n",
		res.RunID, len(res.Completed), len(res.Failed), len(res.Skipped), res.Duration.Round(time.Millisecond))
	if res.Cancelled {
		fmt.Println("Run was cancelled; rerun apply to continue.")
	}
	return nil
}

// =============================================================================
// VALIDATE COMMAND
// =============================================================================

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "Check the tag and routing policies",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "live",
				Usage: "Check applied state against the provider instead of the configuration",
			},
			&cli.StringSliceFlag{
				Name:  "disable",
				Usage: "Policy IDs to skip",
			},
		},
		Action: func(c *cli.Context) error {
			rt, err := setup(c, setupOptions{needConfig: true, needProvisioner: c.Bool("live")})
			if err != nil {
				return exit(err)
			}
			defer rt.close(c.Context)

			policies := policy.NewEngine()
			for _, id := range c.StringSlice("disable") {
				if err := policies.Disable(id); err != nil {
					return exit(err)
				}
			}
			rt.engine.WithPolicies(policies)

			var result *policy.EvaluationResult
			if c.Bool("live") {
				result, err = rt.engine.VerifyLive(c.Context, rt.cfg)
			} else {
				_, result, err = rt.engine.Validate(c.Context, rt.cfg)
			}
			if result != nil {
				printEvaluation(result)
			}
			return exit(err)
		},
	}
}

func printEvaluation(result *policy.EvaluationResult) {
	for _, v := range result.Violations {
		fmt.Printf("  ✗ [%s] %s\n", v.PolicyID, v.Message)
	}
	for _, w := range result.Warnings {
		fmt.Printf("  ! [%s] %s\n", w.PolicyID, w.Message)
	}
	fmt.Printf("\nPolicy decision: %s (%d policies, %d violations, %d warnings)\n",
		result.Decision, result.PoliciesRan, len(result.Violations), len(result.Warnings))
}

// =============================================================================
// STATE COMMAND
// =============================================================================

func stateCommand() *cli.Command {
	return &cli.Command{
		Name:  "state",
		Usage: "Inspect recorded state",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List recorded resources",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "format", Aliases: []string{"f"}, Value: "text", Usage: "Output format (text, json)"},
				},
				Action: func(c *cli.Context) error {
					rt, err := setup(c, setupOptions{})
					if err != nil {
						return exit(err)
					}
					defer rt.close(c.Context)

					records, err := rt.engine.State(c.Context)
					if err != nil {
						return exit(err)
					}
					if c.String("format") == "json" {
						enc := json.NewEncoder(os.Stdout)
						enc.SetIndent("", "  ")
						return enc.Encode(records)
					}
					w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
					for _, id := range records.IDs() {
						rec := records[id]
						fmt.Fprintf(w, "%s\t%s\t%s\n", id, rec.Widget, rec.RemoteIdentity)
					}
					return w.Flush()
				},
			},
		},
	}
}

// =============================================================================
// SERVE COMMAND
// =============================================================================

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the API server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Value:   8080,
				Usage:   "Server port",
				EnvVars: []string{"PORT"},
			},
			&cli.BoolFlag{
				Name:    "allow-apply",
				Usage:   "Serve POST /api/v1/apply",
				EnvVars: []string{"SLUGGER_ALLOW_APPLY"},
			},
		},
		Action: func(c *cli.Context) error {
			rt, err := setup(c, setupOptions{needConfig: c.Bool("allow-apply"), needProvisioner: true})
			if err != nil {
				return exit(err)
			}
			defer rt.close(c.Context)

			cfg := api.DefaultConfig()
			cfg.Port = c.Int("port")
			cfg.ConfigPath = c.String("config")
			cfg.AllowApply = c.Bool("allow-apply")
			cfg.APIKey = platform.GetEnv("API_KEY", "")

			server := api.NewServer(rt.engine, cfg, rt.logger).WithGatherer(rt.registry)
			if rt.store != nil {
				server.WithRuns(rt.store).WithReadiness(rt.store).WithJournal(rt.journal)
			}
			return server.StartWithGracefulShutdown(c.Context)
		},
	}
}
