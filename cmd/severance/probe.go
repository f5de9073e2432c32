package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattjoyce/severance/internal/inspect"
	"github.com/mattjoyce/severance/internal/log"
	"github.com/mattjoyce/severance/internal/mirror"
	"github.com/mattjoyce/severance/internal/probe"
)

func runProbeNoun(args []string) int {
	if len(args) < 1 {
		printProbeNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printProbeNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "identity", "digest", "echo", "sleep", "fail":
		return runProbeCall(action, actionArgs)
	case "inspect":
		return runProbeInspect(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown probe action: %s\n", action)
		return 1
	}
}

func printProbeNounHelp(w *os.File) {
	fmt.Fprint(w, `Usage: severance probe <action> [--config PATH] [--local] [args...]

Actions:
  identity             Show the worker's pid and parent pid
  digest <text>        Salted blake3 digest of text
  echo <args...>       Return the arguments unchanged
  sleep <duration>     Block the worker, e.g. 250ms
  fail [message]       Raise a failure inside the worker
  inspect [--json]     Operating system report of a live worker

--local runs the probe in this process instead of a worker.
`)
}

// withProbe runs fn against a probe mirror built from the config.
func withProbe(ctx context.Context, configPath string, local bool, fn func(ctx context.Context, m *mirror.Mirror[*probe.Probe]) error) error {
	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		return err
	}
	log.Setup(cfg.Service.LogLevel)

	if local {
		m, err := probe.NewLocal(probeConfig(cfg))
		if err != nil {
			return err
		}
		defer m.Close()
		return fn(ctx, m)
	}
	return mirror.With(ctx, probe.Kind, probeConfig(cfg), mirrorOptions(cfg), fn)
}

func runProbeCall(op string, args []string) int {
	fs := flag.NewFlagSet("probe "+op, flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	local := fs.Bool("local", false, "Run the probe in this process")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	callArgs, err := probeArgs(op, fs.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var out json.RawMessage
	err = withProbe(ctx, *configPath, *local, func(ctx context.Context, m *mirror.Mirror[*probe.Probe]) error {
		raw, err := m.Invoke(ctx, op, callArgs, nil)
		if err != nil {
			return err
		}
		out = raw
		if op == "identity" && m.Role() == mirror.RoleParent {
			fmt.Fprintf(os.Stderr, "caller pid %d, worker pid %d\n", os.Getpid(), m.PID())
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "probe %s failed: %v\n", op, err)
		return 1
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, out, "", "  "); err != nil {
		fmt.Println(string(out))
		return 0
	}
	fmt.Println(pretty.String())
	return 0
}

func probeArgs(op string, rest []string) ([]any, error) {
	switch op {
	case "identity":
		if len(rest) > 0 {
			return nil, fmt.Errorf("usage: severance probe identity")
		}
		return nil, nil
	case "digest":
		if len(rest) == 0 {
			return nil, fmt.Errorf("usage: severance probe digest <text>")
		}
		return []any{strings.Join(rest, " ")}, nil
	case "sleep":
		if len(rest) != 1 {
			return nil, fmt.Errorf("usage: severance probe sleep <duration>")
		}
		return []any{rest[0]}, nil
	}
	out := make([]any, len(rest))
	for i, a := range rest {
		out[i] = a
	}
	return out, nil
}

func runProbeInspect(args []string) int {
	fs := flag.NewFlagSet("probe inspect", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output the report as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var report string
	err := withProbe(ctx, *configPath, false, func(ctx context.Context, m *mirror.Mirror[*probe.Probe]) error {
		if _, err := m.Ready(ctx); err != nil {
			return err
		}
		subject := inspect.Subject{
			Kind:       m.Kind().Name(),
			Ops:        m.Kind().Ops(),
			PID:        m.PID(),
			WithParent: true,
		}
		var err error
		if *jsonOut {
			report, err = inspect.BuildJSONReport(ctx, subject)
		} else {
			report, err = inspect.BuildReport(ctx, subject)
		}
		return err
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "probe inspect failed: %v\n", err)
		return 1
	}
	fmt.Println(strings.TrimRight(report, "\n"))
	return 0
}
