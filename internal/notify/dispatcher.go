package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"healthsync/services/pipeline-api/internal/apperr"
	"healthsync/services/pipeline-api/internal/metrics"
	"healthsync/services/pipeline-api/internal/push"
	"healthsync/services/pipeline-api/internal/resilience"
)

type Message = push.Message

// BuildMessage renders the blood request notification.
func BuildMessage(bloodGroup, hospital, urgency string) Message {
	return Message{
		Title: fmt.Sprintf("Urgent: %s Blood Needed", bloodGroup),
		Body:  fmt.Sprintf("%s needs %s blood (urgency: %s).", hospital, bloodGroup, urgency),
		Data: map[string]string{
			"type":        "blood_request",
			"blood_group": bloodGroup,
			"hospital":    hospital,
			"urgency":     urgency,
		},
	}
}

type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type Sender interface {
	Send(ctx context.Context, accessToken, address string, msg Message) error
}

// Batch summarises one dispatch. Failed is always len(Attempted) - Sent.
type Batch struct {
	Attempted []string
	Sent      int
	Failed    int
}

type DispatcherOptions struct {
	Timeout     time.Duration
	MaxAttempts int
	// MaxInFlight caps concurrent sends; zero sends to every address at once.
	MaxInFlight int
}

type Dispatcher struct {
	tokens      TokenSource
	sender      Sender
	retry       resilience.RetryConfig
	maxInFlight int
	logger      *slog.Logger
}

// NewDispatcher builds a Dispatcher. tokens and sender may be nil when push
// is not configured; Dispatch then fails with a configuration error.
func NewDispatcher(tokens TokenSource, sender Sender, opts DispatcherOptions, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		tokens: tokens,
		sender: sender,
		retry: resilience.RetryConfig{
			MaxAttempts:    opts.MaxAttempts,
			AttemptTimeout: opts.Timeout,
			Logger:         logger,
		},
		maxInFlight: opts.MaxInFlight,
		logger:      logger.With("component", "dispatcher"),
	}
}

// Configured reports a configuration error when push credentials are missing.
func (d *Dispatcher) Configured() error {
	if d.tokens == nil || d.sender == nil {
		return apperr.Configuration("dispatch", errors.New("push credentials are not configured"))
	}
	return nil
}

// Dispatch sends msg to every address concurrently and waits for all of
// them. Per-address failures are counted, never returned; only a missing
// configuration or a failed token fetch fails the batch, and in that case
// nothing is sent.
func (d *Dispatcher) Dispatch(ctx context.Context, addresses []string, msg Message) (Batch, error) {
	if err := d.Configured(); err != nil {
		return Batch{}, err
	}
	batch := Batch{Attempted: addresses}
	if len(addresses) == 0 {
		return batch, nil
	}

	token, err := d.tokens.Token(ctx)
	if err != nil {
		return Batch{}, apperr.Upstream("fetch push token", err)
	}

	var sent atomic.Int64
	var g errgroup.Group
	if d.maxInFlight > 0 {
		g.SetLimit(d.maxInFlight)
	}
	for _, addr := range addresses {
		g.Go(func() error {
			err := resilience.Retry(ctx, "push-send", d.retry, func(ctx context.Context) error {
				return d.sender.Send(ctx, token, addr, msg)
			})
			if err != nil {
				metrics.PushSends.WithLabelValues("failed").Inc()
				d.logger.Warn("push send failed", "error", err)
				return nil
			}
			metrics.PushSends.WithLabelValues("sent").Inc()
			sent.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	batch.Sent = int(sent.Load())
	batch.Failed = len(addresses) - batch.Sent
	d.logger.Info("dispatch complete", "attempted", len(addresses), "sent", batch.Sent, "failed", batch.Failed)
	return batch, nil
}
