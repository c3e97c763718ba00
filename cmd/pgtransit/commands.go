package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	pgtransit "github.com/delimaa/pg-transit"
	"github.com/delimaa/pg-transit/internal/monitor"
	"github.com/delimaa/pg-transit/internal/store"
)

// withBroker opens a broker, waits for schema bootstrap, runs fn, and
// closes everything down.
func withBroker(fn func(ctx context.Context, b *pgtransit.Broker) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	b, err := pgtransit.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer closeCancel()
		if err := b.Close(closeCtx); err != nil {
			log.Warn().Err(err).Msg("broker close failed")
		}
	}()

	if err := b.WaitInit(ctx); err != nil {
		return err
	}

	return fn(ctx, b)
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			// One-shot: no broker, no background sweeps, just the schema.
			db, err := store.Connect(ctx, cfg.DB)
			if err != nil {
				return err
			}
			defer db.Close()

			return runMigrations(ctx, db, cfg.DB.QueryTimeout)
		},
	}
}

// runMigrations applies pending migrations on an open pool. Split from
// the command so the logic is testable without a live database.
func runMigrations(ctx context.Context, db *sqlx.DB, timeout time.Duration) error {
	if err := store.New(db, timeout).EnsureSchema(ctx); err != nil {
		return err
	}
	log.Info().Msg("schema is up to date")
	return nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show per-topic message and subscription counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(func(ctx context.Context, b *pgtransit.Broker) error {
				stats, err := b.Stats(ctx)
				if err != nil {
					return err
				}

				if len(stats) == 0 {
					fmt.Println("no topics")
					return nil
				}

				for _, ts := range stats {
					retention := "unlimited"
					if ts.Topic.MaxRetention != nil {
						retention = fmt.Sprintf("%d", *ts.Topic.MaxRetention)
					}
					fmt.Printf("topic %-30s messages=%-6d schedules=%-4d retention=%s\n",
						ts.Topic.Name, ts.MessageCount, ts.ScheduleCount, retention)

					for _, sub := range ts.Subscriptions {
						fmt.Printf("  sub %-28s mode=%-10s waiting=%-5d processing=%-5d completed=%-5d failed=%d\n",
							sub.Subscription.Name,
							sub.Subscription.ConsumptionMode,
							sub.Counts[pgtransit.StatusWaiting],
							sub.Counts[pgtransit.StatusProcessing],
							sub.Counts[pgtransit.StatusCompleted],
							sub.Counts[pgtransit.StatusFailed])
					}
				}
				return nil
			})
		},
	}
}

func newSendCmd() *cobra.Command {
	var (
		priority  int
		deliverIn time.Duration
		deliverAt string
	)

	cmd := &cobra.Command{
		Use:   "send <topic> <json-payload>",
		Short: "Publish one message to a topic",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := json.RawMessage(args[1])
			if !json.Valid(payload) {
				return fmt.Errorf("payload is not valid JSON")
			}

			var opts []pgtransit.SendOption
			if cmd.Flags().Changed("priority") {
				opts = append(opts, pgtransit.WithPriority(priority))
			}
			if deliverIn > 0 {
				opts = append(opts, pgtransit.WithDeliverIn(deliverIn))
			}
			if deliverAt != "" {
				at, err := time.Parse(time.RFC3339, deliverAt)
				if err != nil {
					return fmt.Errorf("invalid --deliver-at: %w", err)
				}
				opts = append(opts, pgtransit.WithDeliverAt(at))
			}

			return withBroker(func(ctx context.Context, b *pgtransit.Broker) error {
				msg, err := b.Topic(args[0]).Send(ctx, payload, opts...)
				if err != nil {
					return err
				}
				log.Info().Str("topic", args[0]).Str("message_id", msg.ID.String()).Msg("message sent")
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&priority, "priority", 0, "Message priority (lower is served first)")
	cmd.Flags().DurationVar(&deliverIn, "deliver-in", 0, "Delay before the message becomes visible")
	cmd.Flags().StringVar(&deliverAt, "deliver-at", "", "Absolute visibility time (RFC3339)")

	return cmd
}

func newTrimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trim",
		Short: "Trim acknowledged messages beyond retention on all topics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(func(ctx context.Context, b *pgtransit.Broker) error {
				trimmed, err := b.Trim(ctx)
				if err != nil {
					return err
				}
				log.Info().Int64("trimmed", trimmed).Msg("trim complete")
				return nil
			})
		},
	}
}

func newResetStaleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-stale",
		Short: "Reclaim processing messages whose heartbeat lapsed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(func(ctx context.Context, b *pgtransit.Broker) error {
				resets, err := b.ResetStale(ctx)
				if err != nil {
					return err
				}

				reopened, failed := 0, 0
				for _, r := range resets {
					if r.Reopened() {
						reopened++
					} else {
						failed++
					}
				}
				log.Info().Int("reopened", reopened).Int("failed", failed).Msg("stale reset complete")
				return nil
			})
		},
	}
}

func newProcessScheduledCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process-scheduled",
		Short: "Materialize due cron schedules into messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(func(ctx context.Context, b *pgtransit.Broker) error {
				fired, err := b.ProcessScheduled(ctx)
				if err != nil {
					return err
				}
				log.Info().Int("fired", fired).Msg("scheduled sweep complete")
				return nil
			})
		},
	}
}

func newMonitorCmd() *cobra.Command {
	mcfg := monitor.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run the broker with the read-only ops HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// One pool serves broker and monitor; the CLI owns it.
			db, err := store.Connect(ctx, cfg.DB)
			if err != nil {
				return err
			}
			defer db.Close()

			b, err := pgtransit.OpenDB(ctx, db.DB, cfg)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := b.Close(closeCtx); err != nil {
					log.Warn().Err(err).Msg("broker close failed")
				}
			}()

			if err := b.WaitInit(ctx); err != nil {
				return err
			}

			srv := monitor.NewServer(mcfg, store.New(db, cfg.DB.QueryTimeout), b.Gatherer())
			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&mcfg.Host, "host", mcfg.Host, "Monitor bind host")
	cmd.Flags().IntVar(&mcfg.Port, "port", mcfg.Port, "Monitor bind port")
	cmd.Flags().DurationVar(&mcfg.StatsInterval, "stats-interval", mcfg.StatsInterval, "Websocket stats push interval")

	return cmd
}
