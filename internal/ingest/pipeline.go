package ingest

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"healthsync/services/pipeline-api/internal/apperr"
)

var supportedMimeTypes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/webp":      true,
	"image/gif":       true,
	"application/pdf": true,
}

// Pipeline runs the gatekeeper and, only on Admit, the normalizer.
type Pipeline struct {
	gate       *Gatekeeper
	normalizer *Normalizer
	logger     *slog.Logger
}

func NewPipeline(gate *Gatekeeper, normalizer *Normalizer, logger *slog.Logger) *Pipeline {
	return &Pipeline{gate: gate, normalizer: normalizer, logger: logger}
}

// Process ingests one submission. A missing model credential fails with
// apperr.ErrConfiguration before any store or blob call. A duplicate, whether
// caught by the pre-check or by the unique constraint at insert time, is
// returned as apperr.ErrDuplicate.
func (p *Pipeline) Process(ctx context.Context, sub Submission) (*ClinicalEvent, error) {
	sub, err := validateSubmission(sub)
	if err != nil {
		return nil, err
	}
	if err := p.normalizer.Configured(); err != nil {
		return nil, err
	}

	decision, err := p.gate.Admit(ctx, sub.PatientID, sub.FileHash, sub.FilePath)
	if err != nil {
		return nil, err
	}
	if decision == Reject {
		return nil, apperr.Duplicate("admit", fmt.Errorf("file %s already ingested for patient %s", sub.FileHash, sub.PatientID))
	}

	ev, err := p.normalizer.ExtractAndPersist(ctx, sub)
	if err != nil {
		if errors.Is(err, apperr.ErrDuplicate) {
			p.logger.Info("concurrent duplicate detected at insert", "patient_id", sub.PatientID, "file_hash", sub.FileHash)
			p.gate.removeOrphan(ctx, sub.FilePath)
		}
		return nil, err
	}
	return ev, nil
}

func validateSubmission(sub Submission) (Submission, error) {
	sub.PatientID = strings.TrimSpace(sub.PatientID)
	sub.UploaderID = strings.TrimSpace(sub.UploaderID)
	sub.FileHash = strings.TrimSpace(sub.FileHash)
	sub.MimeType = strings.ToLower(strings.TrimSpace(sub.MimeType))
	if strings.HasPrefix(sub.ImageBase64, "data:") {
		if _, data, ok := strings.Cut(sub.ImageBase64, ","); ok {
			sub.ImageBase64 = data
		}
	}

	switch {
	case sub.PatientID == "":
		return sub, apperr.InvalidInput("validate", errors.New("missing patient_id"))
	case sub.ImageBase64 == "":
		return sub, apperr.InvalidInput("validate", errors.New("missing imageBase64"))
	case !supportedMimeTypes[sub.MimeType]:
		return sub, apperr.InvalidInput("validate", fmt.Errorf("unsupported mimeType %q", sub.MimeType))
	}
	if _, err := base64.StdEncoding.DecodeString(sub.ImageBase64); err != nil {
		return sub, apperr.InvalidInput("validate", errors.New("imageBase64 is not valid base64"))
	}
	if sub.UploaderID == "" {
		sub.UploaderID = sub.PatientID
	}
	return sub, nil
}
