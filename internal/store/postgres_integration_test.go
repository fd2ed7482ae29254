//go:build integration

package store_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"healthsync/services/pipeline-api/internal/apperr"
	"healthsync/services/pipeline-api/internal/ingest"
	"healthsync/services/pipeline-api/internal/store"
	"healthsync/services/pipeline-api/internal/store/storetest"
)

const testTopic = "clinical-event.ingested.v1"

func newEvent(patientID, fileHash string) *ingest.ClinicalEvent {
	return &ingest.ClinicalEvent{
		ID:             uuid.New(),
		PatientID:      patientID,
		UploaderID:     patientID,
		Title:          "Complete Blood Count",
		EventType:      ingest.CategoryReport,
		EventDate:      time.Date(2025, 11, 2, 0, 0, 0, 0, time.UTC),
		Severity:       ingest.SeverityMedium,
		KeyFindings:    []string{"Hb 9.1 g/dL"},
		AttachmentURLs: []string{"https://files/" + patientID + "/report.png"},
		FileHash:       fileHash,
		AIRaw:          json.RawMessage(`{"title":"Complete Blood Count"}`),
		CreatedAt:      time.Now().UTC(),
	}
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("SELECT count(*) FROM "+table).Scan(&n))
	return n
}

func TestPostgres_InsertAndDedup(t *testing.T) {
	db := storetest.DB(t)
	s := store.New(db, testTopic)
	ctx := context.Background()

	exists, err := s.ExistsByFingerprint(ctx, "p1", "abc123")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, s.InsertClinicalEvent(ctx, newEvent("p1", "abc123"), "corr-1"))

	exists, err = s.ExistsByFingerprint(ctx, "p1", "abc123")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = s.ExistsByFingerprint(ctx, "p2", "abc123")
	require.NoError(t, err)
	assert.False(t, exists)

	err = s.InsertClinicalEvent(ctx, newEvent("p1", "abc123"), "corr-2")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrDuplicate)

	assert.Equal(t, 1, countRows(t, db, "clinical_events"))
	assert.Equal(t, 1, countRows(t, db, "outbox_events"), "rejected insert must not leave an outbox row")

	var topic, key string
	var payload []byte
	require.NoError(t, db.QueryRow("SELECT topic, key, payload FROM outbox_events").Scan(&topic, &key, &payload))
	assert.Equal(t, testTopic, topic)

	var event ingest.ClinicalEventIngestedV1
	require.NoError(t, json.Unmarshal(payload, &event))
	assert.Equal(t, key, event.RecordID)
	assert.Equal(t, "clinical_event.ingested", event.EventType)
	assert.Equal(t, "corr-1", event.CorrelationID)
	assert.Equal(t, "2025-11-02", event.EventDate)
}

func TestPostgres_EmptyFingerprintNeverConflicts(t *testing.T) {
	db := storetest.DB(t)
	s := store.New(db, testTopic)

	require.NoError(t, s.InsertClinicalEvent(context.Background(), newEvent("p1", ""), ""))
	require.NoError(t, s.InsertClinicalEvent(context.Background(), newEvent("p1", ""), ""))
	assert.Equal(t, 2, countRows(t, db, "clinical_events"))
}

func TestPostgres_MedicineSafetyNullable(t *testing.T) {
	db := storetest.DB(t)
	s := store.New(db, testTopic)

	withSafety := newEvent("p1", "h1")
	withSafety.MedicineSafety = json.RawMessage(`{"is_safe":true}`)
	require.NoError(t, s.InsertClinicalEvent(context.Background(), withSafety, ""))
	require.NoError(t, s.InsertClinicalEvent(context.Background(), newEvent("p1", "h2"), ""))

	var nulls int
	require.NoError(t, db.QueryRow("SELECT count(*) FROM clinical_events WHERE medicine_safety IS NULL").Scan(&nulls))
	assert.Equal(t, 1, nulls)
}

func TestPostgres_ConcurrentInsertsKeepOneRecord(t *testing.T) {
	db := storetest.DB(t)
	s := store.New(db, testTopic)

	const n = 8
	var ok, dup atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.InsertClinicalEvent(context.Background(), newEvent("p1", "race"), "")
			switch {
			case err == nil:
				ok.Add(1)
			case assert.ErrorIs(t, err, apperr.ErrDuplicate):
				dup.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, ok.Load())
	assert.EqualValues(t, n-1, dup.Load())
	assert.Equal(t, 1, countRows(t, db, "clinical_events"))
}

func TestPostgres_AvailableDonors(t *testing.T) {
	db := storetest.DB(t)
	s := store.New(db, testTopic)

	seed := []struct {
		token     any
		bloodType string
		available bool
	}{
		{"fcm-token-first-donor", "O+", true},
		{nil, "O+", true},
		{"fcm-token-unavailable", "O+", false},
		{"fcm-token-other-group", "A+", true},
		{"fcm-token-second-donor", "O+", true},
	}
	for i, d := range seed {
		var profileID string
		require.NoError(t, db.QueryRow("INSERT INTO profiles (fcm_token) VALUES ($1) RETURNING id", d.token).Scan(&profileID))
		_, err := db.Exec("INSERT INTO donors (user_id, blood_type, is_available, created_at) VALUES ($1, $2, $3, $4)",
			profileID, d.bloodType, d.available, time.Now().Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}

	donors, err := s.AvailableDonors(context.Background(), "O+")
	require.NoError(t, err)
	require.Len(t, donors, 3)

	assert.Equal(t, "fcm-token-first-donor", *donors[0].NotificationAddress)
	assert.Nil(t, donors[1].NotificationAddress)
	assert.Equal(t, "fcm-token-second-donor", *donors[2].NotificationAddress)
	for _, d := range donors {
		assert.True(t, d.IsAvailable)
		assert.Equal(t, "O+", d.BloodType)
	}
}
