package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"healthsync/services/pipeline-api/internal/apperr"
	"healthsync/services/pipeline-api/internal/metrics"
)

const blobDeleteTimeout = 5 * time.Second

type Decision int

const (
	Admit Decision = iota
	Reject
)

func (d Decision) String() string {
	if d == Reject {
		return "reject"
	}
	return "admit"
}

// DuplicateChecker reports whether a record already exists for the pair.
type DuplicateChecker interface {
	ExistsByFingerprint(ctx context.Context, patientID, fileHash string) (bool, error)
}

// BlobRemover deletes an uploaded object by its storage path.
type BlobRemover interface {
	Remove(ctx context.Context, path string) error
}

type Gatekeeper struct {
	store  DuplicateChecker
	blobs  BlobRemover
	logger *slog.Logger
}

// NewGatekeeper builds a Gatekeeper. blobs may be nil when no object store is
// configured; duplicate cleanup is then skipped.
func NewGatekeeper(store DuplicateChecker, blobs BlobRemover, logger *slog.Logger) *Gatekeeper {
	return &Gatekeeper{
		store:  store,
		blobs:  blobs,
		logger: logger.With("component", "gatekeeper"),
	}
}

// Admit decides whether a submission for patientID with the given content
// fingerprint may proceed to extraction. An empty fingerprint skips the check.
// On Reject the orphaned upload at attachmentPath is deleted best-effort.
func (g *Gatekeeper) Admit(ctx context.Context, patientID, fileHash, attachmentPath string) (Decision, error) {
	if patientID == "" {
		return Reject, apperr.InvalidInput("admit", errors.New("missing patient_id"))
	}
	if fileHash == "" {
		metrics.IngestDecisions.WithLabelValues(Admit.String()).Inc()
		return Admit, nil
	}

	exists, err := g.store.ExistsByFingerprint(ctx, patientID, fileHash)
	if err != nil {
		if errors.Is(err, apperr.ErrPersistence) {
			return Reject, err
		}
		return Reject, apperr.Persistence("check duplicate", err)
	}
	if !exists {
		metrics.IngestDecisions.WithLabelValues(Admit.String()).Inc()
		return Admit, nil
	}

	metrics.IngestDecisions.WithLabelValues(Reject.String()).Inc()
	g.logger.Info("duplicate submission rejected", "patient_id", patientID, "file_hash", fileHash)
	g.removeOrphan(ctx, attachmentPath)
	return Reject, nil
}

// removeOrphan makes exactly one delete attempt; failures are logged only.
func (g *Gatekeeper) removeOrphan(ctx context.Context, path string) {
	if path == "" {
		return
	}
	if g.blobs == nil {
		g.logger.Warn("object store not configured, orphaned upload kept", "file_path", path)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, blobDeleteTimeout)
	defer cancel()
	if err := g.blobs.Remove(ctx, path); err != nil {
		g.logger.Warn("failed to delete duplicate upload", "file_path", path, "error", err)
		return
	}
	g.logger.Info("duplicate upload deleted", "file_path", path)
}
