// Package store is the Postgres persistence layer for clinical events,
// donors and the event outbox.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"

	"healthsync/services/pipeline-api/internal/apperr"
	"healthsync/services/pipeline-api/internal/ingest"
	"healthsync/services/pipeline-api/internal/notify"
)

const dbTimeout = 5 * time.Second

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type Postgres struct {
	db            *sql.DB
	ingestedTopic string
}

// New returns a store over db. Each persisted clinical event is announced on
// ingestedTopic through the outbox.
func New(db *sql.DB, ingestedTopic string) *Postgres {
	return &Postgres{db: db, ingestedTopic: ingestedTopic}
}

func (p *Postgres) ExistsByFingerprint(ctx context.Context, patientID, fileHash string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	query, args, err := psql.Select("1").
		From("clinical_events").
		Where(sq.Eq{"patient_id": patientID, "file_hash": fileHash}).
		Limit(1).
		Prefix("SELECT EXISTS (").
		Suffix(")").
		ToSql()
	if err != nil {
		return false, apperr.Persistence("build dedup query", err)
	}

	var exists bool
	if err := p.db.QueryRowContext(ctx, query, args...).Scan(&exists); err != nil {
		return false, mapError("check duplicate", err)
	}
	return exists, nil
}

// InsertClinicalEvent writes ev and its outbox row in one transaction. A row
// already present for (patient_id, file_hash) yields apperr.ErrDuplicate and
// nothing is written.
func (p *Postgres) InsertClinicalEvent(ctx context.Context, ev *ingest.ClinicalEvent, correlationID string) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	findings, err := json.Marshal(nonNil(ev.KeyFindings))
	if err != nil {
		return apperr.Persistence("encode key_findings", err)
	}
	attachments, err := json.Marshal(nonNil(ev.AttachmentURLs))
	if err != nil {
		return apperr.Persistence("encode attachment_urls", err)
	}
	payload, err := json.Marshal(ingest.NewIngestedEvent(ev, correlationID))
	if err != nil {
		return apperr.Persistence("encode outbox payload", err)
	}

	insert, args, err := psql.Insert("clinical_events").
		Columns(
			"id", "patient_id", "uploader_id", "title", "event_type", "event_date", "severity",
			"summary_english", "summary_hindi", "full_text", "key_findings", "attachment_urls",
			"file_hash", "ai_raw", "medicine_safety", "created_at",
		).
		Values(
			ev.ID, ev.PatientID, ev.UploaderID, ev.Title, ev.EventType, ev.EventDate, string(ev.Severity),
			ev.SummaryEnglish, ev.SummaryHindi, ev.FullText, string(findings), string(attachments),
			nullString(ev.FileHash), jsonOrNull(ev.AIRaw, "{}"), jsonOrNull(ev.MedicineSafety, ""), ev.CreatedAt,
		).
		Suffix("ON CONFLICT (patient_id, file_hash) WHERE file_hash IS NOT NULL DO NOTHING RETURNING id").
		ToSql()
	if err != nil {
		return apperr.Persistence("build insert", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError("begin", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var insertedID string
	if err := tx.QueryRowContext(ctx, insert, args...).Scan(&insertedID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.Duplicate("insert clinical event", fmt.Errorf("record for patient %s with file hash %s already exists", ev.PatientID, ev.FileHash))
		}
		return mapError("insert clinical event", err)
	}

	outbox, outboxArgs, err := psql.Insert("outbox_events").
		Columns("topic", "key", "payload").
		Values(p.ingestedTopic, ev.ID.String(), string(payload)).
		ToSql()
	if err != nil {
		return apperr.Persistence("build outbox insert", err)
	}
	if _, err := tx.ExecContext(ctx, outbox, outboxArgs...); err != nil {
		return mapError("insert outbox event", err)
	}

	if err := tx.Commit(); err != nil {
		return mapError("commit", err)
	}
	return nil
}

// AvailableDonors lists available donors of bloodType with their profile's
// push address, oldest registration first.
func (p *Postgres) AvailableDonors(ctx context.Context, bloodType string) ([]notify.Donor, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	query, args, err := psql.Select("d.id", "d.blood_type", "d.is_available", "p.fcm_token").
		From("donors d").
		Join("profiles p ON p.id = d.user_id").
		Where(sq.Eq{"d.is_available": true, "d.blood_type": bloodType}).
		OrderBy("d.created_at", "d.id").
		ToSql()
	if err != nil {
		return nil, apperr.Persistence("build donor query", err)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError("query donors", err)
	}
	defer rows.Close()

	var donors []notify.Donor
	for rows.Next() {
		var (
			d     notify.Donor
			token sql.NullString
		)
		if err := rows.Scan(&d.DonorID, &d.BloodType, &d.IsAvailable, &token); err != nil {
			return nil, mapError("scan donor", err)
		}
		if token.Valid {
			d.NotificationAddress = &token.String
		}
		donors = append(donors, d)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("iterate donors", err)
	}
	return donors, nil
}

func mapError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
		return apperr.Duplicate(op, err)
	}
	return apperr.Persistence(op, err)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// jsonOrNull returns raw as text, fallback when raw is empty, or SQL NULL when
// both are empty.
func jsonOrNull(raw json.RawMessage, fallback string) any {
	if len(raw) > 0 && string(raw) != "null" {
		return string(raw)
	}
	if fallback != "" {
		return fallback
	}
	return nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
