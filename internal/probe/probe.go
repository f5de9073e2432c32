// Package probe provides the built-in "probe" kind: a small instance with
// operations that make a worker's isolation observable from the parent.
package probe

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/severance/internal/mirror"
)

// Config is the construction snapshot of a probe.
type Config struct {
	Label string `json:"label"`
	// Salt is mixed into every Digest.
	Salt string `json:"salt,omitempty"`
}

// Probe is the instance living in the worker.
type Probe struct {
	cfg     Config
	started time.Time
}

// Identity describes the process hosting a probe.
type Identity struct {
	Label    string    `json:"label"`
	PID      int       `json:"pid"`
	PPID     int       `json:"ppid"`
	Hostname string    `json:"hostname"`
	Started  time.Time `json:"started"`
}

// Digest is a salted blake3 sum.
type Digest struct {
	Hex  string `json:"hex"`
	Size int    `json:"size"`
}

// Kind is registered at package init so every binary importing probe can
// host probe workers.
var Kind = mirror.NewKind("probe", build)

var (
	IdentityOp = mirror.Method(Kind, "identity", identity)
	DigestOp   = mirror.Method(Kind, "digest", digest)
	EchoOp     = mirror.Method(Kind, "echo", echo)
	SleepOp    = mirror.Method(Kind, "sleep", sleep)
	FailOp     = mirror.Method(Kind, "fail", fail)
)

func build(snapshot json.RawMessage) (*Probe, error) {
	var cfg Config
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &cfg); err != nil {
			return nil, fmt.Errorf("decode probe config: %w", err)
		}
	}
	if cfg.Label == "" {
		cfg.Label = "probe"
	}
	return &Probe{cfg: cfg, started: time.Now().UTC()}, nil
}

// Spawn starts a probe worker.
func Spawn(ctx context.Context, cfg Config, opts mirror.Options) (*mirror.Mirror[*Probe], error) {
	return mirror.Spawn(ctx, Kind, cfg, opts)
}

// NewLocal builds a probe in this process.
func NewLocal(cfg Config) (*mirror.Mirror[*Probe], error) {
	return mirror.NewLocal(Kind, cfg)
}

func identity(ctx context.Context, p *Probe, args mirror.Args) (Identity, error) {
	host, _ := os.Hostname()
	return Identity{
		Label:    p.cfg.Label,
		PID:      os.Getpid(),
		PPID:     os.Getppid(),
		Hostname: host,
		Started:  p.started,
	}, nil
}

func digest(ctx context.Context, p *Probe, args mirror.Args) (Digest, error) {
	var data string
	if err := args.Decode(0, &data); err != nil {
		return Digest{}, err
	}
	return Sum(p.cfg.Salt, []byte(data)), nil
}

// Sum is the digest a probe with the given salt computes for data.
func Sum(salt string, data []byte) Digest {
	h := blake3.New()
	_, _ = h.Write([]byte(salt))
	_, _ = h.Write(data)
	return Digest{Hex: hex.EncodeToString(h.Sum(nil)), Size: len(data)}
}

func echo(ctx context.Context, p *Probe, args mirror.Args) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, args.Len())
	out = append(out, args.Positional...)
	return out, nil
}

// sleep blocks for the duration in argument 0 (a Go duration string) or until
// the worker is told to stop.
func sleep(ctx context.Context, p *Probe, args mirror.Args) (string, error) {
	var s string
	if err := args.Decode(0, &s); err != nil {
		return "", err
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return "", fmt.Errorf("%w: sleep: %w", mirror.ErrBadArgument, err)
	}
	start := time.Now()
	select {
	case <-time.After(d):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return time.Since(start).Round(time.Millisecond).String(), nil
}

func fail(ctx context.Context, p *Probe, args mirror.Args) (struct{}, error) {
	msg := "probe failure requested"
	if args.Len() > 0 {
		if err := args.Decode(0, &msg); err != nil {
			return struct{}{}, err
		}
	}
	return struct{}{}, errors.New(msg)
}
