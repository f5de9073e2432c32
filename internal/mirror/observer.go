package mirror

import (
	"context"
	"errors"
	"time"
)

// CallRecord describes one completed invocation on a mirror.
type CallRecord struct {
	Kind      string
	Op        string
	Role      Role
	PID       int // worker pid for parent-role mirrors, 0 otherwise
	StartedAt time.Time
	Duration  time.Duration
	Err       error
}

// Status is "ok" or a short failure class suitable for a metric label.
func (r CallRecord) Status() string {
	if r.Err == nil {
		return "ok"
	}
	var remote *RemoteError
	switch {
	case errors.As(r.Err, &remote):
		return remote.Code
	case errors.Is(r.Err, ErrChannelClosed):
		return "channel_closed"
	case errors.Is(r.Err, ErrUnknownOperation):
		return "unknown_operation"
	case errors.Is(r.Err, context.DeadlineExceeded), errors.Is(r.Err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}

// Observer is notified after every call made through a mirror.
type Observer interface {
	ObserveCall(ctx context.Context, rec CallRecord)
}

// Observers fans a record out to several observers in order.
type Observers []Observer

func (obs Observers) ObserveCall(ctx context.Context, rec CallRecord) {
	for _, o := range obs {
		if o != nil {
			o.ObserveCall(ctx, rec)
		}
	}
}
