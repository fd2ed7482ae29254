package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"healthsync/services/pipeline-api/internal/apperr"
	"healthsync/services/pipeline-api/internal/ingest"
	"healthsync/services/pipeline-api/internal/notify"
)

const (
	maxBodyBytes   int64 = 15 << 20
	minCorrelation       = 8

	duplicateMessage = "Duplicate File"
	noDonorsMessage  = "No donors found"
)

type Ingester interface {
	Process(ctx context.Context, sub ingest.Submission) (*ingest.ClinicalEvent, error)
}

type RecipientResolver interface {
	Resolve(ctx context.Context, bloodType string) ([]string, error)
}

type Notifier interface {
	Configured() error
	Dispatch(ctx context.Context, addresses []string, msg notify.Message) (notify.Batch, error)
}

type Handler struct {
	logger   *slog.Logger
	ingester Ingester
	resolver RecipientResolver
	notifier Notifier
}

func New(logger *slog.Logger, ingester Ingester, resolver RecipientResolver, notifier Notifier) *Handler {
	return &Handler{
		logger:   logger,
		ingester: ingester,
		resolver: resolver,
		notifier: notifier,
	}
}

func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

type processResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

func (h *Handler) ProcessMedicalReport(w http.ResponseWriter, r *http.Request) {
	correlationID := correlationIDFrom(w, r)

	var sub ingest.Submission
	if err := decodeBody(w, r, &sub); err != nil {
		h.respondError(w, r, correlationID, apperr.InvalidInput("decode", err))
		return
	}
	sub.CorrelationID = correlationID

	ev, err := h.ingester.Process(r.Context(), sub)
	if err != nil {
		h.respondError(w, r, correlationID, err)
		return
	}

	h.logger.Info("medical report processed",
		"record_id", ev.ID,
		"patient_id", ev.PatientID,
		"correlation_id", correlationID,
	)
	writeJSON(w, http.StatusOK, processResponse{Success: true, Data: ev.AIRaw})
}

type notifyRequest struct {
	BloodGroup string `json:"blood_group"`
	Hospital   string `json:"hospital"`
	Urgency    string `json:"urgency"`
}

type notifyResponse struct {
	Success     bool `json:"success"`
	SentCount   int  `json:"sent_count"`
	FailedCount int  `json:"failed_count"`
}

func (h *Handler) NotifyDonors(w http.ResponseWriter, r *http.Request) {
	correlationID := correlationIDFrom(w, r)

	var req notifyRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.respondError(w, r, correlationID, apperr.InvalidInput("decode", err))
		return
	}
	bloodGroup, err := notify.NormalizeBloodGroup(req.BloodGroup)
	if err != nil {
		h.respondError(w, r, correlationID, err)
		return
	}
	if err := h.notifier.Configured(); err != nil {
		h.respondError(w, r, correlationID, err)
		return
	}

	addresses, err := h.resolver.Resolve(r.Context(), bloodGroup)
	if err != nil {
		h.respondError(w, r, correlationID, err)
		return
	}
	if len(addresses) == 0 {
		h.logger.Info("no donors to notify", "blood_group", bloodGroup, "correlation_id", correlationID)
		writeJSON(w, http.StatusOK, map[string]string{"message": noDonorsMessage})
		return
	}

	msg := notify.BuildMessage(bloodGroup, strings.TrimSpace(req.Hospital), strings.TrimSpace(req.Urgency))
	batch, err := h.notifier.Dispatch(r.Context(), addresses, msg)
	if err != nil {
		h.respondError(w, r, correlationID, err)
		return
	}

	h.logger.Info("donors notified",
		"blood_group", bloodGroup,
		"sent", batch.Sent,
		"failed", batch.Failed,
		"correlation_id", correlationID,
	)
	writeJSON(w, http.StatusOK, notifyResponse{Success: true, SentCount: batch.Sent, FailedCount: batch.Failed})
}

func correlationIDFrom(w http.ResponseWriter, r *http.Request) string {
	id := r.Header.Get("X-Correlation-Id")
	if len(id) < minCorrelation {
		id = uuid.NewString()
	}
	w.Header().Set("X-Correlation-Id", id)
	return id
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errors.New("request body too large")
		}
		return errors.New("invalid body")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	payload, err := json.Marshal(body)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSONBytes(w, status, payload)
}

func writeJSONBytes(w http.ResponseWriter, status int, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

// respondError logs the precise failure kind and answers with the minimal
// status: 409 for duplicates, 400 for everything else.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, correlationID string, err error) {
	status := apperr.HTTPStatus(err)
	h.logger.Warn("request failed",
		"path", r.URL.Path,
		"status", status,
		"error_kind", apperr.Kind(err),
		"error", err,
		"correlation_id", correlationID,
	)

	message := err.Error()
	if status == http.StatusConflict {
		message = duplicateMessage
	}
	writeJSON(w, status, map[string]string{"error": message})
}
