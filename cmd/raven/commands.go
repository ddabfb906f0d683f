package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/raven/internal/api"
	"github.com/kalambet/raven/internal/config"
	"github.com/kalambet/raven/internal/intake"
	"github.com/kalambet/raven/internal/jobs"
	"github.com/kalambet/raven/internal/retention"
	"github.com/kalambet/raven/internal/status"
	"github.com/kalambet/raven/internal/storage"
)

// --- submit ---

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Queue a job on the running server",
}

var submitFilingCmd = &cobra.Command{
	Use:   "filing <ticker> <year>",
	Short: "Queue a 10-Q/10-K analysis",
	Long: `Queue a 10-Q/10-K analysis.

Without --quarter one job is queued per quarter.

Examples:
  raven submit filing AAPL 2024 --quarter 3 --transcript
  raven submit filing MSFT 2023`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var year int
		if _, err := fmt.Sscanf(args[1], "%d", &year); err != nil {
			return fmt.Errorf("year must be a number, got %q", args[1])
		}
		quarter, _ := cmd.Flags().GetInt("quarter")
		transcript, _ := cmd.Flags().GetBool("transcript")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		receipts, err := submitJob(cmd.Context(), client, "/process", api.ProcessRequest{
			Ticker:            args[0],
			Year:              year,
			Quarter:           quarter,
			IncludeTranscript: transcript,
			Origin:            "cli",
			PointOfOrigin:     "cli",
		})
		if err != nil {
			return err
		}
		printReceipts(receipts)
		return nil
	},
}

var submitResearchCmd = &cobra.Command{
	Use:   "research <query>",
	Short: "Queue a research question",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flowID, _ := cmd.Flags().GetString("flow-id")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		receipts, err := submitJob(cmd.Context(), client, "/research", api.ResearchRequest{
			Query:         strings.Join(args, " "),
			FlowID:        flowID,
			Origin:        "cli",
			PointOfOrigin: "cli",
		})
		if err != nil {
			return err
		}
		printReceipts(receipts)
		return nil
	},
}

func init() {
	submitFilingCmd.Flags().Int("quarter", 0, "quarter 1-4 (default: all four)")
	submitFilingCmd.Flags().Bool("transcript", false, "also fetch the earnings-call transcript")
	submitResearchCmd.Flags().String("flow-id", "", "caller correlation id")
	submitCmd.AddCommand(submitFilingCmd)
	submitCmd.AddCommand(submitResearchCmd)
}

// submitJob posts body to path and accepts either a single receipt or a list.
func submitJob(ctx context.Context, client *apiClient, path string, body any) ([]intake.Receipt, error) {
	resp, err := client.post(ctx, path, body)
	if err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if err := decodeJSON(resp, &raw); err != nil {
		return nil, err
	}

	if bytes.HasPrefix(bytes.TrimSpace(raw), []byte("[")) {
		var receipts []intake.Receipt
		if err := json.Unmarshal(raw, &receipts); err != nil {
			return nil, fmt.Errorf("decoding receipts: %w", err)
		}
		return receipts, nil
	}
	var r intake.Receipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decoding receipt: %w", err)
	}
	return []intake.Receipt{r}, nil
}

func printReceipts(receipts []intake.Receipt) {
	for _, r := range receipts {
		printSuccess("Queued %s  %s", r.JobID, r.Title)
	}
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server health and job counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return showStatus(cmd.Context(), limit)
	},
}

func init() {
	statusCmd.Flags().Int("limit", 10, "number of recent jobs to list")
}

func showStatus(ctx context.Context, limit int) error {
	client, err := newAPIClient()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
		return nil
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		return nil
	}
	printStatus("Server", "running at %s", client.baseURL)

	snap, err := fetchUpdates(ctx, client)
	if err != nil {
		return err
	}
	for _, s := range []jobs.Status{jobs.StatusQueued, jobs.StatusProcessing, jobs.StatusCompleted, jobs.StatusFailed} {
		printStatus(strings.ToUpper(string(s[:1]))+string(s[1:]), "%d", snap.Counts[s])
	}

	recent := snap.Jobs
	if limit > 0 && len(recent) > limit {
		recent = recent[len(recent)-limit:]
	}
	if len(recent) > 0 {
		fmt.Println()
	}
	for _, e := range recent {
		fmt.Println(formatEntry(e, time.Now()))
	}
	return nil
}

func fetchUpdates(ctx context.Context, client *apiClient) (status.Snapshot, error) {
	resp, err := client.get(ctx, "/updates")
	if err != nil {
		return status.Snapshot{}, err
	}
	var snap status.Snapshot
	if err := decodeJSON(resp, &snap); err != nil {
		return status.Snapshot{}, err
	}
	return snap, nil
}

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect or delete jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, optionally filtered by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, _ := cmd.Flags().GetString("status")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		snap, err := fetchUpdates(cmd.Context(), client)
		if err != nil {
			return err
		}

		shown := 0
		for _, e := range snap.Jobs {
			if filter != "" && string(e.Status) != filter {
				continue
			}
			fmt.Println(formatEntry(e, time.Now()))
			shown++
		}
		if shown == 0 {
			fmt.Println("No jobs found.")
		}
		return nil
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single job as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/jobs/"+args[0])
		if err != nil {
			return err
		}

		var entry any
		if err := decodeJSON(resp, &entry); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entry)
	},
}

var jobsRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a completed or failed job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/jobs/"+args[0])
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted job %s", args[0])
		return nil
	},
}

func init() {
	jobsListCmd.Flags().String("status", "", "only show jobs with this status")
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsRmCmd)
}

// --- sweep ---

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired completed and failed jobs from storage",
	Long: `Delete completed and failed jobs older than retention.max_age.

Runs against the configured storage directly; the server does not need to be
running.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		maxAge, _ := cmd.Flags().GetDuration("max-age")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if maxAge <= 0 {
			maxAge = cfg.Retention.MaxAge
		}

		logger := newLogger(cfg.Log)
		store, err := storage.Open(cmd.Context(), storage.Options{
			Backend:   cfg.Storage.Backend,
			Bucket:    cfg.Storage.Bucket,
			Prefix:    cfg.Storage.Prefix,
			DataDir:   cfg.Storage.DataDir,
			RedisAddr: cfg.Storage.RedisAddr,
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		printStep("Sweeping jobs older than %s from %s...", maxAge, store.BackendName())
		n, err := retention.NewSweeper(store, maxAge, 0, logger).Sweep(cmd.Context())
		if err != nil {
			return err
		}
		printSuccess("Deleted %d expired jobs", n)
		return nil
	},
}

func init() {
	sweepCmd.Flags().Duration("max-age", 0, "override retention.max_age")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value. Valid keys:\n  " +
		strings.Join(config.ValidKeys(), "\n  "),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
