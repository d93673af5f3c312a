package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"clinical-auth/internal/metrics"
	"clinical-auth/internal/models"
)

// LogSink writes events to the structured log.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("audit")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(_ context.Context, e *models.SecurityEvent) error {
	fields := []zap.Field{
		zap.String("event_id", e.EventID.String()),
		zap.String("event_type", string(e.EventType)),
		zap.String("subject_type", string(e.SubjectType)),
		zap.String("subject_id", e.SubjectID),
		zap.String("method", string(e.Method)),
		zap.Time("event_time", e.EventTime),
	}
	if e.CredentialID != "" {
		fields = append(fields, zap.String("credential_id", e.CredentialID))
	}
	if e.DeviceID != "" {
		fields = append(fields, zap.String("device_id", e.DeviceID))
	}
	if e.Resolution != "" {
		fields = append(fields, zap.String("resolution", string(e.Resolution)))
	}
	if e.Reason != "" {
		fields = append(fields, zap.String("reason", e.Reason))
	}
	if len(e.Details) > 0 {
		fields = append(fields, zap.Any("details", e.Details))
	}
	s.logger.Info("security event", fields...)
	return nil
}

// MessageProducer is implemented by client.KafkaProducer.
type MessageProducer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// KafkaSink publishes events keyed by subject so one subject's events stay ordered.
type KafkaSink struct {
	producer MessageProducer
	topic    string
}

func NewKafkaSink(producer MessageProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, e *models.SecurityEvent) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode security event: %w", err)
	}
	key := e.SubjectID
	if key == "" {
		key = e.EventID.String()
	}
	return s.producer.ProduceMessage(ctx, s.topic, []byte(key), value, map[string]string{
		"event_type":   string(e.EventType),
		"subject_type": string(e.SubjectType),
	})
}

// DocumentIndexer is implemented by client.ESClient.
type DocumentIndexer interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

// ElasticsearchSink indexes events into a monthly index, e.g. auth-audit-2026.05.
type ElasticsearchSink struct {
	indexer DocumentIndexer
	prefix  string
}

func NewElasticsearchSink(indexer DocumentIndexer, indexPrefix string) *ElasticsearchSink {
	return &ElasticsearchSink{indexer: indexer, prefix: indexPrefix}
}

func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

func (s *ElasticsearchSink) Write(ctx context.Context, e *models.SecurityEvent) error {
	return s.indexer.IndexDocument(ctx, s.IndexFor(e.EventTime), e.EventID.String(), e)
}

func (s *ElasticsearchSink) IndexFor(t time.Time) string {
	return s.prefix + "-" + t.UTC().Format("2006.01")
}

// BatchWriter is implemented by client.ClickHouseClient.
type BatchWriter interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	BatchInsert(ctx context.Context, query string, data [][]interface{}) error
}

const clickhouseTable = `
	CREATE TABLE IF NOT EXISTS security_events (
		event_id      UUID,
		event_bucket  UInt16,
		event_date    Date,
		event_time    DateTime64(3, 'UTC'),
		event_type    LowCardinality(String),
		subject_type  LowCardinality(String),
		subject_id    String,
		credential_id String,
		method        LowCardinality(String),
		device_id     String,
		resolution    LowCardinality(String),
		reason        LowCardinality(String),
		details       Map(String, String)
	) ENGINE = MergeTree
	PARTITION BY toYYYYMM(event_date)
	ORDER BY (event_type, event_date, subject_type, subject_id, event_time)
`

const clickhouseInsert = `INSERT INTO security_events`

// ClickHouseSink buffers events and inserts them in batches, flushing when the batch is
// full or the flush interval passes.
type ClickHouseSink struct {
	writer    BatchWriter
	batchSize int
	logger    *zap.Logger

	mu      sync.Mutex
	pending [][]interface{}

	stop chan struct{}
	done chan struct{}
}

func NewClickHouseSink(writer BatchWriter, batchSize int, flushInterval time.Duration, logger *zap.Logger) *ClickHouseSink {
	if batchSize <= 0 {
		batchSize = 500
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &ClickHouseSink{
		writer:    writer,
		batchSize: batchSize,
		logger:    logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go s.flushLoop(flushInterval)
	return s
}

// EnsureSchema creates the events table.
func (s *ClickHouseSink) EnsureSchema(ctx context.Context) error {
	if err := s.writer.Exec(ctx, clickhouseTable); err != nil {
		return fmt.Errorf("failed to create security_events table: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) Write(ctx context.Context, e *models.SecurityEvent) error {
	details := e.Details
	if details == nil {
		details = map[string]string{}
	}
	row := []interface{}{
		e.EventID, uint16(e.EventBucket), e.EventTime, e.EventTime,
		string(e.EventType), string(e.SubjectType), e.SubjectID, e.CredentialID,
		string(e.Method), e.DeviceID, string(e.Resolution), e.Reason, details,
	}

	s.mu.Lock()
	s.pending = append(s.pending, row)
	full := len(s.pending) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush sends buffered rows. Rows from a failed batch are dropped.
func (s *ClickHouseSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	rows := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(rows) == 0 {
		return nil
	}
	if err := s.writer.BatchInsert(ctx, clickhouseInsert, rows); err != nil {
		return fmt.Errorf("failed to insert %d security events: %w", len(rows), err)
	}
	return nil
}

func (s *ClickHouseSink) flushLoop(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.flushWithTimeout()
		case <-s.stop:
			s.flushWithTimeout()
			return
		}
	}
}

func (s *ClickHouseSink) flushWithTimeout() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		metrics.RecordAuditFailure(s.Name())
		s.logger.Error("Failed to flush security events to ClickHouse", zap.Error(err))
	}
}

// Close stops the flush loop after a final flush.
func (s *ClickHouseSink) Close() error {
	close(s.stop)
	<-s.done
	return nil
}
