package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/mattjoyce/severance/internal/config"
	"github.com/mattjoyce/severance/internal/mirror"
	"github.com/mattjoyce/severance/internal/probe"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	// Worker children re-exec this binary; Init serves them and exits.
	mirror.Init()
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	// --- NOUNS ---
	case "probe":
		return runProbeNoun(args)
	case "calls":
		return runCallsNoun(args)
	case "config":
		return runConfigNoun(args)

	// --- VERBS ---
	case "serve":
		if hasHelpFlag(args) {
			printServeHelp()
			return 0
		}
		return runServe(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: severance version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("severance %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}

	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalizedBuildTime, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalizedBuildTime
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}

	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

// loadConfigForTool loads the given config, or the discovered one, or the
// defaults when nothing is found.
func loadConfigForTool(configPath string) (*config.Config, error) {
	if configPath == "" {
		configPath = config.Discover()
	}
	if configPath == "" {
		return config.Defaults(), nil
	}
	return config.Load(configPath)
}

// mirrorOptions maps the mirror section onto spawn options.
func mirrorOptions(cfg *config.Config) mirror.Options {
	return mirror.Options{
		PollInterval:     cfg.Mirror.PollInterval,
		TerminateTimeout: cfg.Mirror.TerminateTimeout,
		KillGrace:        cfg.Mirror.KillGrace,
		CallTimeout:      cfg.Mirror.CallTimeout,
		MaxMessageBytes:  cfg.Mirror.MaxMessageBytes,
		LogLevel:         cfg.Service.LogLevel,
	}
}

func probeConfig(cfg *config.Config) probe.Config {
	return probe.Config{Label: cfg.Probe.Label, Salt: cfg.Probe.Salt}
}

func printUsage() {
	fmt.Print(`severance - Run objects in their own worker process

Usage:
  severance <noun> <action> [flags]
  severance <verb> [flags]

Core Resources (Nouns):
  probe     Call a probe worker from the command line
  calls     Read the call journal
  config    Configuration and integrity

Probe Commands:
  probe identity       Show the worker's pid next to this process
  probe digest <text>  Salted blake3 digest computed in the worker
  probe echo <args>    Round-trip arguments through the worker
  probe sleep <dur>    Block the worker for a duration
  probe inspect        Operating system report of a live worker

Calls Commands:
  calls list           Most recent journaled calls
  calls summary        Per-operation counts and latency
  calls prune          Delete entries older than the retention

Config Commands:
  config check         Validate syntax and integrity
  config get <path>    Read one value by dot path
  config hash          Record the config checksum

Verbs:
  serve                Supervise a probe worker behind the HTTP API
  version              Show version information
  help                 Show this help message

Use 'severance <noun> help' for resource-specific flags.
`)
}

func printServeHelp() {
	fmt.Print(`Usage: severance serve [--config PATH]

Starts one supervised probe worker, replaces it with backoff whenever it
dies, journals every call, and exposes:

  GET  /healthz          liveness
  GET  /readyz           readiness (fails while no worker is alive)
  GET  /metrics          prometheus metrics
  GET  /status           worker pid, generation and operations
  GET  /calls            recent journaled calls (?kind=&op=&limit=)
  GET  /calls/summary    per-operation summary
  POST /ops/{op}         call an operation: {"args": [...], "kwargs": {...}}
                         requires Authorization: Bearer <api.api_key>
`)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if isHelpToken(arg) {
			return true
		}
	}
	return false
}
