// Package outbox relays committed clinical-event outbox rows to Kafka.
package outbox

import (
	"context"
	"database/sql"
	"log/slog"
	"strconv"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/segmentio/kafka-go"
)

const (
	claimTimeout = 5 * time.Second
	writeTimeout = 5 * time.Second
	pollInterval = time.Second
	batchSize    = 100

	outboxIDHeader = "outbox_id"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Hooks observe publish outcomes per topic. Either field may be nil.
// Published runs once per topic after the batch commits.
type Hooks struct {
	Published func(topic string, n int)
	Failed    func(topic string)
}

type Publisher struct {
	db           *sql.DB
	writer       MessageWriter
	hooks        Hooks
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int
}

func NewPublisher(db *sql.DB, writer MessageWriter, hooks Hooks, logger *slog.Logger) *Publisher {
	return &Publisher{
		db:           db,
		writer:       writer,
		hooks:        hooks,
		logger:       logger.With("component", "outbox"),
		pollInterval: pollInterval,
		batchSize:    batchSize,
	}
}

// Run polls until ctx is done. A full batch is followed immediately by the
// next one so a backlog drains without waiting for the ticker.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		n, err := p.PublishBatch(ctx)
		if err != nil && ctx.Err() == nil {
			p.logger.Error("outbox publish failed", "error", err)
		}
		if err == nil && n == p.batchSize && ctx.Err() == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

type pendingEvent struct {
	id        int64
	topic     string
	key       string
	payload   []byte
	createdAt time.Time
}

func (e pendingEvent) message() kafka.Message {
	return kafka.Message{
		Topic: e.topic,
		Key:   []byte(e.key),
		Value: e.payload,
		Time:  e.createdAt,
		Headers: []kafka.Header{
			{Key: outboxIDHeader, Value: []byte(strconv.FormatInt(e.id, 10))},
		},
	}
}

// PublishBatch claims up to one batch of pending rows, writes each to Kafka
// and marks the written ones published in the claiming transaction. Rows
// that fail to write stay pending for the next poll. It returns the number
// of rows published.
func (p *Publisher) PublishBatch(ctx context.Context) (int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	events, err := p.claim(ctx, tx)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, tx.Commit()
	}

	delivered, perTopic := p.deliver(ctx, events)
	if len(delivered) > 0 {
		if err := p.markPublished(ctx, tx, delivered); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	if p.hooks.Published != nil {
		for topic, n := range perTopic {
			p.hooks.Published(topic, n)
		}
	}
	if len(delivered) > 0 {
		p.logger.Debug("outbox events published", "count", len(delivered), "claimed", len(events))
	}
	return len(delivered), nil
}

func (p *Publisher) claim(ctx context.Context, tx *sql.Tx) ([]pendingEvent, error) {
	query, args, err := psql.Select("id", "topic", "key", "payload", "created_at").
		From("outbox_events").
		Where(sq.Eq{"published_at": nil}).
		OrderBy("created_at", "id").
		Limit(uint64(p.batchSize)).
		Suffix("FOR UPDATE SKIP LOCKED").
		ToSql()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, claimTimeout)
	defer cancel()
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	// rows must be closed before the transaction is reused
	defer rows.Close()

	var events []pendingEvent
	for rows.Next() {
		var ev pendingEvent
		if err := rows.Scan(&ev.id, &ev.topic, &ev.key, &ev.payload, &ev.createdAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (p *Publisher) deliver(ctx context.Context, events []pendingEvent) ([]int64, map[string]int) {
	delivered := make([]int64, 0, len(events))
	perTopic := make(map[string]int)
	for _, ev := range events {
		if err := p.write(ctx, ev); err != nil {
			p.logger.Error("failed to publish outbox event", "error", err, "event_id", ev.id, "topic", ev.topic, "key", ev.key)
			if p.hooks.Failed != nil {
				p.hooks.Failed(ev.topic)
			}
			continue
		}
		delivered = append(delivered, ev.id)
		perTopic[ev.topic]++
	}
	return delivered, perTopic
}

func (p *Publisher) write(ctx context.Context, ev pendingEvent) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return p.writer.WriteMessages(ctx, ev.message())
}

func (p *Publisher) markPublished(ctx context.Context, tx *sql.Tx, ids []int64) error {
	query, args, err := psql.Update("outbox_events").
		Set("published_at", sq.Expr("now()")).
		Where(sq.Eq{"id": ids}).
		ToSql()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, claimTimeout)
	defer cancel()
	_, err = tx.ExecContext(ctx, query, args...)
	return err
}
