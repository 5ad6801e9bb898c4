// Command reservectl operates the reservation engine directly against its
// store: migrations, manual sweeps, stage moves and approval decisions.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-ad-reservations/internal/app"
	"github.com/pesio-ai/be-ad-reservations/internal/config"
	"github.com/pesio-ai/be-ad-reservations/internal/logger"
	"github.com/pesio-ai/be-ad-reservations/internal/repository"
	"github.com/pesio-ai/be-ad-reservations/internal/service"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// cli holds state shared by subcommands.
type cli struct {
	actor   string
	verbose bool
	log     *logger.Logger
	app     *app.App
}

func newRootCommand() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "reservectl",
		Short:         "Operate the ad reservation engine",
		Long:          "reservectl reads the same environment as the server and acts on its store directly.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := "warn"
			if c.verbose {
				level = "debug"
			}
			c.log = logger.New(logger.Config{Level: level, Environment: "local", Output: cmd.ErrOrStderr()})
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.app != nil {
				c.app.Close()
			}
		},
	}
	root.PersistentFlags().StringVar(&c.actor, "actor", "reservectl", "Actor recorded in history")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "Verbose logging")

	root.AddCommand(
		newMigrateCommand(c),
		newSweepCommand(c),
		newAdvanceCommand(c),
		newDecideCommand(c),
		newTalentDecideCommand(c),
		newAvailabilityCommand(c),
		newProvisionCommand(c),
		newHistoryCommand(c),
	)
	return root
}

// engine loads configuration and wires the engine on first use.
func (c *cli) engine(ctx context.Context) (*service.Engine, error) {
	if c.app != nil {
		return c.app.Engine, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	a, err := app.Build(ctx, cfg, nil, c.log)
	if err != nil {
		return nil, err
	}
	c.app = a
	return a.Engine, nil
}

func newMigrateCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			_, closeStore, err := app.OpenStore(cmd.Context(), cfg, c.log)
			if err != nil {
				return err
			}
			closeStore()
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newSweepCommand(c *cli) *cobra.Command {
	var talentTTL string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire every held reservation past its deadline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := c.engine(cmd.Context())
			if err != nil {
				return err
			}
			report, err := e.SweepExpired(cmd.Context())
			if err != nil {
				return err
			}
			if talentTTL != "" {
				ttl, err := time.ParseDuration(talentTTL)
				if err != nil {
					return err
				}
				if report.StaleTalentExpired, err = e.ExpireStaleTalentRequests(cmd.Context(), ttl, 500); err != nil {
					return err
				}
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVar(&talentTTL, "talent-ttl", "", "Also expire PENDING talent requests older than this duration")
	return cmd
}

func newAdvanceCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "advance <campaign-id> <stage>",
		Short: "Advance a campaign to a probability stage (10, 35, 65, 90, 100)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("stage must be a number: %w", err)
			}
			e, err := c.engine(cmd.Context())
			if err != nil {
				return err
			}
			result, err := e.AdvanceStage(cmd.Context(), args[0], repository.ProbabilityStage(stage), c.actor)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
}

func newDecideCommand(c *cli) *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "decide <approval-id> <approve|reject>",
		Short: "Decide a pending admin approval",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			action, err := service.ParseDecision(args[1])
			if err != nil {
				return err
			}
			e, err := c.engine(cmd.Context())
			if err != nil {
				return err
			}
			result, err := e.DecideApproval(cmd.Context(), args[0], action, c.actor, notes)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "Decision notes")
	return cmd
}

func newTalentDecideCommand(c *cli) *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "talent-decide <request-id> <approve|deny>",
		Short: "Decide a pending talent approval request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			action, err := service.ParseDecision(args[1])
			if err != nil {
				return err
			}
			e, err := c.engine(cmd.Context())
			if err != nil {
				return err
			}
			tr, err := e.DecideTalentApproval(cmd.Context(), args[0], action, c.actor, notes)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), tr)
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "Decision notes")
	return cmd
}

func newAvailabilityCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "availability <episode-id> <placement-type>",
		Short: "Show the inventory counter for one episode and placement",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			placement, err := repository.ParsePlacementType(args[1])
			if err != nil {
				return err
			}
			e, err := c.engine(cmd.Context())
			if err != nil {
				return err
			}
			a, err := e.CheckAvailability(cmd.Context(), args[0], placement)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), a)
		},
	}
}

func newProvisionCommand(c *cli) *cobra.Command {
	var slots int
	var price int64
	cmd := &cobra.Command{
		Use:   "provision <episode-id> <placement-type>",
		Short: "Create an inventory counter with explicit capacity and rate card",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			placement, err := repository.ParsePlacementType(args[1])
			if err != nil {
				return err
			}
			e, err := c.engine(cmd.Context())
			if err != nil {
				return err
			}
			counter, err := e.ProvisionInventory(cmd.Context(), args[0], placement, slots, price)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), counter)
		},
	}
	cmd.Flags().IntVar(&slots, "slots", 0, "Total slots")
	cmd.Flags().Int64Var(&price, "unit-price", 0, "Rate-card price per spot in cents")
	_ = cmd.MarkFlagRequired("slots")
	return cmd
}

func newHistoryCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "history <campaign|reservation> <id>",
		Short: "Print the status history of a campaign or reservation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := c.engine(cmd.Context())
			if err != nil {
				return err
			}
			entries, err := e.History(cmd.Context(), repository.HistoryEntity(args[0]), args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entries)
		},
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
