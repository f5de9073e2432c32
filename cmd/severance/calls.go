package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/severance/internal/config"
	"github.com/mattjoyce/severance/internal/journal"
	"github.com/mattjoyce/severance/internal/log"
)

func runCallsNoun(args []string) int {
	if len(args) < 1 {
		printCallsNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printCallsNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		return runCallsList(actionArgs)
	case "summary":
		return runCallsSummary(actionArgs)
	case "prune":
		return runCallsPrune(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown calls action: %s\n", action)
		return 1
	}
}

func printCallsNounHelp(w *os.File) {
	fmt.Fprint(w, `Usage: severance calls <action> [--config PATH] [flags]

Actions:
  list [--kind K] [--op O] [--limit N] [--json]
  summary [--json]
  prune [--older-than DURATION]   Defaults to journal.retention
`)
}

// openJournalForTool opens the configured journal for read-mostly commands.
func openJournalForTool(ctx context.Context, configPath string) (*journal.Journal, *config.Config, error) {
	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		return nil, nil, err
	}
	log.Setup(cfg.Service.LogLevel)
	if !cfg.Journal.Enabled {
		return nil, nil, fmt.Errorf("call journal is disabled (journal.enabled: false)")
	}
	j, err := journal.Open(ctx, cfg.Journal.Path, log.WithComponent("journal"))
	if err != nil {
		return nil, nil, err
	}
	return j, cfg, nil
}

func runCallsList(args []string) int {
	fs := flag.NewFlagSet("calls list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	kind := fs.String("kind", "", "Only calls of this kind")
	op := fs.String("op", "", "Only calls of this operation")
	limit := fs.Int("limit", journal.DefaultRecentLimit, "Maximum number of calls")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	j, _, err := openJournalForTool(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open journal: %v\n", err)
		return 1
	}
	defer j.Close()

	entries, err := j.Recent(ctx, journal.Filter{Kind: *kind, Op: *op, Limit: *limit})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read journal: %v\n", err)
		return 1
	}

	if *jsonOut {
		if entries == nil {
			entries = []journal.Entry{}
		}
		return printJSON(entries)
	}
	if len(entries) == 0 {
		fmt.Println("No calls recorded.")
		return 0
	}
	fmt.Printf("%-20s  %-10s  %-12s  %-6s  %7s  %-18s  %10s\n", "STARTED", "KIND", "OP", "ROLE", "PID", "STATUS", "DURATION")
	for _, e := range entries {
		fmt.Printf("%-20s  %-10s  %-12s  %-6s  %7d  %-18s  %10s\n",
			e.StartedAt.Local().Format("2006-01-02 15:04:05"),
			e.Kind, e.Op, e.Role, e.PID, e.Status, e.Duration.Round(time.Microsecond))
		if e.Error != "" {
			fmt.Printf("    error: %s\n", e.Error)
		}
	}
	return 0
}

func runCallsSummary(args []string) int {
	fs := flag.NewFlagSet("calls summary", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	j, _, err := openJournalForTool(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open journal: %v\n", err)
		return 1
	}
	defer j.Close()

	ops, err := j.Summary(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to summarise journal: %v\n", err)
		return 1
	}

	if *jsonOut {
		if ops == nil {
			ops = []journal.OpSummary{}
		}
		return printJSON(ops)
	}
	if len(ops) == 0 {
		fmt.Println("No calls recorded.")
		return 0
	}
	fmt.Printf("%-10s  %-12s  %8s  %8s  %12s  %s\n", "KIND", "OP", "CALLS", "FAILED", "MEAN", "LAST")
	for _, s := range ops {
		fmt.Printf("%-10s  %-12s  %8d  %8d  %12s  %s\n",
			s.Kind, s.Op, s.Calls, s.Failures, s.MeanLatency.Round(time.Microsecond), humanize.Time(s.LastCall))
	}
	return 0
}

func runCallsPrune(args []string) int {
	fs := flag.NewFlagSet("calls prune", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	olderThan := fs.Duration("older-than", 0, "Delete entries older than this (default journal.retention)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	j, cfg, err := openJournalForTool(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open journal: %v\n", err)
		return 1
	}
	defer j.Close()

	age := *olderThan
	if age <= 0 {
		age = cfg.Journal.Retention
	}
	if age <= 0 {
		fmt.Fprintln(os.Stderr, "Nothing to prune: no --older-than given and journal.retention is 0")
		return 1
	}

	n, err := j.Prune(ctx, time.Now().Add(-age))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to prune journal: %v\n", err)
		return 1
	}
	fmt.Printf("Deleted %s entries older than %s\n", humanize.Comma(n), age)
	return 0
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}
