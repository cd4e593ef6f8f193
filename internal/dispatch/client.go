package dispatch

import (
	"context"
	"time"
)

// Kind tags the outcome of a publish call. The scheduler never inspects
// transport detail beyond this variant; mapping raw failures onto it is each
// client's job.
type Kind int

const (
	// Posted means the remote accepted the content.
	Posted Kind = iota
	// RateLimited means the remote pushed back; RetryAfter may carry a hint.
	RateLimited
	// RetryableError covers transient server/transport failures.
	RetryableError
	// Fatal covers rejections that will not succeed on retry.
	Fatal
)

type Result struct {
	Kind       Kind
	ExternalID string
	RetryAfter time.Duration
	Message    string
}

type Client interface {
	Publish(ctx context.Context, content string) Result
}

// Simulator accepts everything without calling out. A simulated success
// consumes budget and marks the fingerprint seen, but records no external id.
type Simulator struct{}

func (Simulator) Publish(ctx context.Context, content string) Result {
	return Result{Kind: Posted}
}
