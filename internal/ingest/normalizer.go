package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"healthsync/services/pipeline-api/internal/apperr"
	"healthsync/services/pipeline-api/internal/metrics"
	"healthsync/services/pipeline-api/internal/resilience"
)

// Model sends a document with an instruction prompt to a generative model
// and returns the model's text output.
type Model interface {
	Complete(ctx context.Context, prompt, mimeType, base64Data string) (string, error)
}

// EventWriter persists a clinical event. Implementations must report a
// conflict on (PatientID, FileHash) as apperr.ErrDuplicate.
type EventWriter interface {
	InsertClinicalEvent(ctx context.Context, ev *ClinicalEvent, correlationID string) error
}

type NormalizerOptions struct {
	Timeout     time.Duration
	MaxAttempts int
}

type Normalizer struct {
	model  Model
	store  EventWriter
	retry  resilience.RetryConfig
	now    func() time.Time
	logger *slog.Logger
}

// NewNormalizer builds a Normalizer. model may be nil when no AI credential
// is configured; every extraction then fails with a configuration error.
func NewNormalizer(model Model, store EventWriter, opts NormalizerOptions, logger *slog.Logger) *Normalizer {
	return &Normalizer{
		model: model,
		store: store,
		retry: resilience.RetryConfig{
			MaxAttempts:    opts.MaxAttempts,
			InitialDelay:   500 * time.Millisecond,
			AttemptTimeout: opts.Timeout,
			Logger:         logger,
		},
		now:    time.Now,
		logger: logger.With("component", "normalizer"),
	}
}

// Configured reports a configuration error when the model or the store is
// missing. Callers check it before doing any work for a submission.
func (n *Normalizer) Configured() error {
	if n.model == nil {
		return apperr.Configuration("extract", errors.New("AI model credential is not configured"))
	}
	if n.store == nil {
		return apperr.Configuration("extract", errors.New("store is not configured"))
	}
	return nil
}

// ExtractAndPersist runs the AI extraction for an admitted submission and
// stores exactly one normalized record. Nothing is written on failure.
func (n *Normalizer) ExtractAndPersist(ctx context.Context, sub Submission) (*ClinicalEvent, error) {
	if err := n.Configured(); err != nil {
		return nil, err
	}

	var text string
	err := resilience.Retry(ctx, "ai-extract", n.retry, func(ctx context.Context) error {
		out, err := n.model.Complete(ctx, extractionPrompt, sub.MimeType, sub.ImageBase64)
		if err != nil {
			return err
		}
		text = out
		return nil
	})
	if err != nil {
		metrics.AIExtractions.WithLabelValues("upstream_error").Inc()
		return nil, apperr.Upstream("ai extraction", err)
	}

	parsed, err := parseExtraction(text)
	if err != nil {
		metrics.AIExtractions.WithLabelValues("parse_error").Inc()
		return nil, apperr.Upstream("parse ai response", err)
	}
	metrics.AIExtractions.WithLabelValues("ok").Inc()

	ev := parsed.toClinicalEvent(sub, n.now())
	ev.ID = uuid.New()
	ev.CreatedAt = n.now().UTC()

	if err := n.store.InsertClinicalEvent(ctx, ev, sub.CorrelationID); err != nil {
		if errors.Is(err, apperr.ErrDuplicate) || errors.Is(err, apperr.ErrPersistence) {
			return nil, err
		}
		return nil, apperr.Persistence("insert clinical event", err)
	}

	n.logger.Info("clinical event stored",
		"record_id", ev.ID,
		"patient_id", ev.PatientID,
		"event_type", ev.EventType,
		"severity", ev.Severity,
		"correlation_id", sub.CorrelationID,
	)
	return ev, nil
}
