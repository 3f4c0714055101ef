package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/gymbro/garmin-sync/internal/analytics"
	"github.com/gymbro/garmin-sync/internal/config"
	"github.com/gymbro/garmin-sync/internal/exitcodes"
	"github.com/gymbro/garmin-sync/internal/journal"
	"github.com/gymbro/garmin-sync/internal/logging"
	"github.com/gymbro/garmin-sync/internal/orchestrator"
	"github.com/gymbro/garmin-sync/internal/progress"
	"github.com/gymbro/garmin-sync/internal/provider"
	"github.com/gymbro/garmin-sync/internal/retry"
	"github.com/gymbro/garmin-sync/internal/store"
	"github.com/gymbro/garmin-sync/internal/tui"
	"github.com/gymbro/garmin-sync/internal/vault"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "garmin-sync",
		Usage:   "Garmin Connect data synchronization engine",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to configuration file",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "Log format: text or json",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Value: "info",
				Usage: "Log verbosity level (debug, info, warn, error)",
			},
		},
		Before: func(c *cli.Context) error {
			level, err := logging.ParseLevel(c.String("verbosity"))
			if err != nil {
				return err
			}
			logging.SetLevel(level)

			if c.String("log-format") == "json" {
				logging.SetFormat("json")
			}

			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "connect",
				Usage:  "Store a user's Garmin credentials (encrypted)",
				Action: connectUser,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "user",
						Usage:    "User ID to store credentials for",
						Required: true,
					},
				},
			},
			{
				Name:   "sync",
				Usage:  "Run a sync for a user",
				Action: runSync,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "user",
						Usage:    "User ID to sync",
						Required: true,
					},
					&cli.BoolFlag{
						Name:  "force",
						Usage: "Full resync regardless of the watermark",
					},
					&cli.IntFlag{
						Name:  "days-back",
						Usage: "Accepted for compatibility; the window follows the watermark",
					},
					&cli.BoolFlag{
						Name:  "quiet",
						Usage: "Suppress the terminal progress bar",
					},
				},
			},
			{
				Name:   "status",
				Usage:  "Show a user's sync state",
				Action: showStatus,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "user",
						Usage:    "User ID to inspect",
						Required: true,
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output JSON",
					},
					&cli.BoolFlag{
						Name:  "watch",
						Usage: "Watch the running sync interactively",
					},
				},
			},
			{
				Name:   "history",
				Usage:  "Show recent sync runs from the local journal",
				Action: showHistory,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "user",
						Usage:    "User ID to inspect",
						Required: true,
					},
					&cli.IntFlag{
						Name:  "limit",
						Value: 10,
						Usage: "Number of runs to show",
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		code := exitcodes.FromError(err)
		logging.Error("%v", err)
		os.Exit(code)
	}
}

func connectUser(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	key, err := vault.MasterKey()
	if err != nil {
		return err
	}

	userID := c.String("user")

	fmt.Print("Garmin email: ")
	reader := bufio.NewReader(os.Stdin)
	email, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading email: %w", err)
	}
	email = strings.TrimSpace(email)

	fmt.Print("Garmin password: ")
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("reading password: %w", err)
	}

	passwordEnc, err := vault.Encrypt(password, key, userID)
	if err != nil {
		return fmt.Errorf("encrypting credential: %w", err)
	}

	ctx := c.Context
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.SaveCredentials(ctx, userID, email, passwordEnc); err != nil {
		return err
	}

	fmt.Printf("Credentials stored for %s\n", userID)
	return nil
}

func runSync(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	key, err := vault.MasterKey()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nInterrupted.")
		cancel()
	}()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	jr, err := journal.New(cfg.Sync.DataDir)
	if err != nil {
		return fmt.Errorf("opening run journal: %w", err)
	}
	defer jr.Close()

	reporter := progress.Reporter(&progress.StoreReporter{Store: st, LeaseTTL: cfg.LeaseTTL()})
	var tracker *progress.Tracker
	if !c.Bool("quiet") {
		tracker = progress.NewTracker("Syncing")
		reporter = progress.MultiReporter{reporter, tracker}
	}

	orch := &orchestrator.Orchestrator{
		Store: st,
		Sessions: &orchestrator.ProviderOpener{
			Client: provider.NewClient(cfg.Provider.BaseURL, cfg.Provider.UserAgent, cfg.ProviderTimeout()),
			Creds:  st,
			Key:    key,
		},
		Journal:           jr,
		Analytics:         analytics.New(&cfg.Analytics),
		Reporter:          reporter,
		Retry:             retry.Policy{MaxAttempts: cfg.Sync.MaxAttempts, BaseDelay: cfg.RetryBaseDelay()},
		LeaseTTL:          cfg.LeaseTTL(),
		PageSize:          cfg.Provider.PageSize,
		DetailLimit:       cfg.Sync.ActivityDetailLimit,
		ActivityBatchSize: cfg.Sync.ActivityBatchSize,
		DailyBatchDays:    cfg.Sync.DailyBatchDays,
	}

	runErr := orch.Run(ctx, c.String("user"), orchestrator.Options{
		Force:    c.Bool("force"),
		DaysBack: c.Int("days-back"),
	})
	if tracker != nil {
		tracker.Finish()
		fmt.Println()
	}
	return runErr
}

func showStatus(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	ctx := c.Context
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	userID := c.String("user")

	if c.Bool("watch") {
		program := tea.NewProgram(tui.NewWatch(st, userID))
		_, err := program.Run()
		return err
	}

	state, err := st.GetSyncState(ctx, userID)
	if err != nil {
		return err
	}

	if c.Bool("json") {
		out := map[string]any{
			"user_id":  state.UserID,
			"status":   state.Status,
			"progress": state.Progress,
		}
		if state.LastSyncedAt != nil {
			out["last_synced_at"] = state.LastSyncedAt
		}
		if state.LastError != nil {
			out["last_error"] = *state.LastError
		}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("User:     %s\n", state.UserID)
	fmt.Printf("Status:   %s\n", state.Status)
	fmt.Printf("Progress: %d%%\n", state.Progress)
	if state.LastSyncedAt != nil {
		fmt.Printf("Synced:   %s\n", state.LastSyncedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if state.LastError != nil {
		fmt.Printf("Error:    %s\n", *state.LastError)
	}
	return nil
}

func showHistory(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	jr, err := journal.New(cfg.Sync.DataDir)
	if err != nil {
		return fmt.Errorf("opening run journal: %w", err)
	}
	defer jr.Close()

	runs, err := jr.Runs(c.String("user"), c.Int("limit"))
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}

	fmt.Printf("%-36s  %-11s  %-10s  %10s  %5s  %s\n",
		"RUN", "MODE", "STATUS", "ACTIVITIES", "DAYS", "STARTED")
	for _, r := range runs {
		fmt.Printf("%-36s  %-11s  %-10s  %10d  %5d  %s\n",
			r.ID, r.Mode, r.Status, r.Activities, r.DailyDays,
			r.StartedAt.Local().Format("2006-01-02 15:04"))
		if r.Error != "" {
			fmt.Printf("    error: %s\n", r.Error)
		}
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	st, err := store.New(ctx, cfg.DSN(), cfg.Database.MaxConnections)
	if err != nil {
		return nil, err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}
