// Command pushctl is the Pushgate operations CLI.
//
// Usage:
//
//	pushctl migrate up
//	pushctl migrate status
//	pushctl devices 42
//	pushctl messages add --name level_up --trigger 10 --cooldown 1h --title "Level {level}" --body "You reached {level}"
//	pushctl push --login 42 --title "Hi" --content "Welcome back"
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/albapepper/pushgate/internal/app"
	"github.com/albapepper/pushgate/internal/config"
	"github.com/albapepper/pushgate/internal/db"
	"github.com/albapepper/pushgate/internal/events"
	"github.com/albapepper/pushgate/internal/notifications"
	"github.com/albapepper/pushgate/internal/request"
	"github.com/albapepper/pushgate/internal/store"
)

var logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

func main() {
	// Load .env if present
	_ = godotenv.Load(".env")

	root := &cobra.Command{
		Use:          "pushctl",
		Short:        "Pushgate operations CLI",
		SilenceUsage: true,
	}

	root.AddCommand(migrateCmd())
	root.AddCommand(devicesCmd())
	root.AddCommand(messagesCmd())
	root.AddCommand(pushCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// --------------------------------------------------------------------------
// migrate command
// --------------------------------------------------------------------------

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfig(func(ctx context.Context, cfg *config.Config) error {
				return db.Migrate(ctx, cfg, logger)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they are applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfig(func(ctx context.Context, cfg *config.Config) error {
				sqlDB, err := db.OpenSQL(ctx, cfg)
				if err != nil {
					return err
				}
				defer sqlDB.Close()

				statuses, err := db.Status(ctx, cfg.DatabaseDriver, sqlDB)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "VERSION\tAPPLIED\tPATH")
				for _, s := range statuses {
					fmt.Fprintf(w, "%d\t%t\t%s\n", s.Version, s.Applied, s.Path)
				}
				return w.Flush()
			})
		},
	})
	return cmd
}

// --------------------------------------------------------------------------
// devices command
// --------------------------------------------------------------------------

func devicesCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "devices <login_id>",
		Short: "List the devices registered to a login",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loginID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid login id %q", args[0])
			}
			return withStore(func(ctx context.Context, _ *config.Config, st store.Store) error {
				devices, err := st.Devices(ctx, loginID)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tPLATFORM\tTOKEN\tAPP_VERSION\tLAST_LOGIN\tUNREGISTERED")
				for _, d := range devices {
					if !all && !d.Active() {
						continue
					}
					fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%s\t%s\n",
						d.ID, d.PlatformID, d.EffectiveToken(), d.AppVersion,
						formatTime(d.LastLoginAt), formatTime(d.UnregisteredAt))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include unregistered devices")
	return cmd
}

// --------------------------------------------------------------------------
// messages command
// --------------------------------------------------------------------------

func messagesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "messages",
		Short: "Manage event-triggered messages",
	}
	cmd.AddCommand(messagesAddCmd())
	return cmd
}

func messagesAddCmd() *cobra.Command {
	var (
		name     string
		trigger  int
		cooldown time.Duration
		expiry   time.Duration
		screen   string
		priority string
		language int
		title    string
		body     string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create or update a message and one localization",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" || title == "" || body == "" {
				return errors.New("--name, --title and --body are required")
			}
			m := store.Message{Name: name, Screen: screen, Priority: priority}
			if trigger > 0 {
				m.TriggerEventID = &trigger
			}
			if cooldown > 0 {
				ms := cooldown.Milliseconds()
				m.CooldownMs = &ms
			}
			if expiry > 0 {
				ms := expiry.Milliseconds()
				m.ExpiryMs = &ms
			}
			return withStore(func(ctx context.Context, cfg *config.Config, st store.Store) error {
				if language == 0 {
					language = cfg.DefaultLanguageID
				}
				id, err := st.AddMessage(ctx, m, []store.Localization{{LanguageID: language, Title: title, Body: body}})
				if err != nil {
					return err
				}
				logger.Info("Message saved", "id", id, "name", name, "trigger", trigger, "language", language,
					"params", events.Placeholders(title+" "+body))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Unique message name")
	cmd.Flags().IntVar(&trigger, "trigger", 0, "Event id that triggers the message")
	cmd.Flags().DurationVar(&cooldown, "cooldown", 0, "Minimum time between sends to one login")
	cmd.Flags().DurationVar(&expiry, "expiry", 0, "Time to live counted from the triggering event")
	cmd.Flags().StringVar(&screen, "screen", "", "Deeplink screen")
	cmd.Flags().StringVar(&priority, "priority", "normal", "normal or high")
	cmd.Flags().IntVar(&language, "language", 0, "Language id (default DEFAULT_LANGUAGE_ID)")
	cmd.Flags().StringVar(&title, "title", "", "Title template, {param} placeholders allowed")
	cmd.Flags().StringVar(&body, "body", "", "Body template, {param} placeholders allowed")
	return cmd
}

// --------------------------------------------------------------------------
// push command
// --------------------------------------------------------------------------

func pushCmd() *cobra.Command {
	var (
		loginID int64
		title   string
		content string
		screen  string
		dryRun  bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Send a notification to every active device of a login and print the outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfig(func(ctx context.Context, cfg *config.Config) error {
				cfg.DryRun = cfg.DryRun || dryRun
				rec := newOutcomes()

				workCtx, stop := context.WithCancel(ctx)
				defer stop()
				a, err := app.New(workCtx, cfg, app.Options{Recorder: rec}, logger)
				if err != nil {
					return err
				}
				defer a.Close()
				a.Start(workCtx)

				sum := a.Processor.Process(ctx, &request.NotificationBatch{Notifications: []request.Direct{{
					LoginID: loginID,
					Title:   title,
					Content: content,
					Screen:  screen,
				}}})
				if sum.Submitted == 0 {
					logger.Warn("Nothing to send", "login_id", loginID, "summary", sum)
				}

				got, complete := rec.await(ctx, sum.Submitted+sum.Rejected, timeout)
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "PLATFORM\tRECEIVER\tSTATUS")
				for _, n := range got {
					fmt.Fprintf(w, "%d\t%s\t%s\n", n.Platform, n.ReceiverID, n.Status)
				}
				if err := w.Flush(); err != nil {
					return err
				}

				stop()
				a.Wait()
				if !complete {
					return fmt.Errorf("timed out after %s waiting for delivery outcomes", timeout)
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&loginID, "login", 0, "Login id (required)")
	cmd.Flags().StringVar(&title, "title", "", "Notification title (required)")
	cmd.Flags().StringVar(&content, "content", "", "Notification body (required)")
	cmd.Flags().StringVar(&screen, "screen", "", "Deeplink screen")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate with the backends without delivering")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "How long to wait for outcomes")
	_ = cmd.MarkFlagRequired("login")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

// outcomes collects final notification states in place of the delivery log.
type outcomes struct {
	mu   sync.Mutex
	got  []*notifications.Notification
	more chan struct{}
}

func newOutcomes() *outcomes {
	return &outcomes{more: make(chan struct{}, 1)}
}

func (o *outcomes) Write(ns ...*notifications.Notification) {
	o.mu.Lock()
	o.got = append(o.got, ns...)
	o.mu.Unlock()
	select {
	case o.more <- struct{}{}:
	default:
	}
}

func (o *outcomes) await(ctx context.Context, want int, timeout time.Duration) ([]*notifications.Notification, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		o.mu.Lock()
		n := len(o.got)
		o.mu.Unlock()
		if n >= want {
			break
		}
		select {
		case <-o.more:
		case <-deadline.C:
			return o.snapshot(), false
		case <-ctx.Done():
			return o.snapshot(), false
		}
	}
	return o.snapshot(), true
}

func (o *outcomes) snapshot() []*notifications.Notification {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*notifications.Notification(nil), o.got...)
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func withConfig(fn func(ctx context.Context, cfg *config.Config) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return fn(ctx, cfg)
}

func withStore(fn func(ctx context.Context, cfg *config.Config, st store.Store) error) error {
	return withConfig(func(ctx context.Context, cfg *config.Config) error {
		st, pool, err := app.OpenStore(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer func() {
			_ = st.Close()
			if pool != nil {
				pool.Close()
			}
		}()
		return fn(ctx, cfg, st)
	})
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
