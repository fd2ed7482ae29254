//go:build integration

package outbox_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"healthsync/services/pipeline-api/internal/ingest"
	"healthsync/services/pipeline-api/internal/outbox"
	"healthsync/services/pipeline-api/internal/store"
	"healthsync/services/pipeline-api/internal/store/storetest"
)

type recordingWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	fail bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errors.New("broker unavailable")
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func seedEvent(t *testing.T, s *store.Postgres, fileHash string) *ingest.ClinicalEvent {
	t.Helper()
	ev := &ingest.ClinicalEvent{
		ID:         uuid.New(),
		PatientID:  "p1",
		UploaderID: "p1",
		Title:      "X-Ray Chest",
		EventType:  ingest.CategoryReport,
		EventDate:  time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC),
		Severity:   ingest.SeverityLow,
		FileHash:   fileHash,
		AIRaw:      json.RawMessage(`{}`),
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, s.InsertClinicalEvent(context.Background(), ev, "corr"))
	return ev
}

func TestPublisher_PublishesPendingOnce(t *testing.T) {
	db := storetest.DB(t)
	s := store.New(db, "clinical-event.ingested.v1")
	first := seedEvent(t, s, "h1")
	second := seedEvent(t, s, "h2")

	w := &recordingWriter{}
	published := map[string]int{}
	p := outbox.NewPublisher(db, w, outbox.Hooks{
		Published: func(topic string, n int) { published[topic] += n },
	}, discardLogger())

	n, err := p.PublishBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, map[string]int{"clinical-event.ingested.v1": 2}, published)

	require.Len(t, w.msgs, 2)
	assert.Equal(t, first.ID.String(), string(w.msgs[0].Key))
	assert.Equal(t, second.ID.String(), string(w.msgs[1].Key))
	assert.Equal(t, "clinical-event.ingested.v1", w.msgs[0].Topic)
	require.Len(t, w.msgs[0].Headers, 1)
	assert.Equal(t, "outbox_id", w.msgs[0].Headers[0].Key)

	n, err = p.PublishBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, w.msgs, 2)
}

func TestPublisher_FailedWritesStayPending(t *testing.T) {
	db := storetest.DB(t)
	s := store.New(db, "clinical-event.ingested.v1")
	seedEvent(t, s, "h1")

	var failed, published []string
	w := &recordingWriter{fail: true}
	p := outbox.NewPublisher(db, w, outbox.Hooks{
		Published: func(topic string, _ int) { published = append(published, topic) },
		Failed:    func(topic string) { failed = append(failed, topic) },
	}, discardLogger())

	n, err := p.PublishBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []string{"clinical-event.ingested.v1"}, failed)
	assert.Empty(t, published)

	var pending int
	require.NoError(t, db.QueryRow("SELECT count(*) FROM outbox_events WHERE published_at IS NULL").Scan(&pending))
	assert.Equal(t, 1, pending)

	w.fail = false
	n, err = p.PublishBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"clinical-event.ingested.v1"}, published)
}

func TestPublisher_RunPublishesUntilCancelled(t *testing.T) {
	db := storetest.DB(t)
	s := store.New(db, "clinical-event.ingested.v1")
	for i := range 3 {
		seedEvent(t, s, fmt.Sprintf("h%d", i))
	}

	w := &recordingWriter{}
	p := outbox.NewPublisher(db, w, outbox.Hooks{}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return len(w.msgs) == 3
	}, 10*time.Second, 50*time.Millisecond)
	cancel()
	<-done
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
