package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"clinical-auth/internal/bucketing"
	"clinical-auth/internal/metrics"
	"clinical-auth/internal/models"
)

// Sink persists or forwards security events.
type Sink interface {
	Name() string
	Write(ctx context.Context, event *models.SecurityEvent) error
}

// Dispatcher fans security events out to every sink on a background worker so that
// authentication never waits on audit storage.
type Dispatcher struct {
	sinks     []Sink
	bucketing *bucketing.BucketingManager
	logger    *zap.Logger
	queue     chan *models.SecurityEvent
	timeout   time.Duration

	// mu guards sends on queue against Close
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	done      chan struct{}
}

func NewDispatcher(bm *bucketing.BucketingManager, logger *zap.Logger, bufferSize int, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	d := &Dispatcher{
		sinks:     sinks,
		bucketing: bm,
		logger:    logger,
		queue:     make(chan *models.SecurityEvent, bufferSize),
		timeout:   5 * time.Second,
		done:      make(chan struct{}),
	}
	go d.run()
	return d
}

// Record stamps partition columns and enqueues the event. A full queue or a closed
// dispatcher drops the event.
func (d *Dispatcher) Record(_ context.Context, event *models.SecurityEvent) {
	if event == nil {
		return
	}
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}
	if event.EventTime.IsZero() {
		event.EventTime = time.Now().UTC()
	}
	if d.bucketing != nil {
		key := event.SubjectID
		if key == "" {
			key = event.EventID.String()
		}
		event.EventBucket = d.bucketing.GetEventBucket(key)
		event.EventDate = d.bucketing.GetDateBucket(event.EventTime)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		metrics.RecordAuditFailure("closed")
		d.logger.Warn("Audit dispatcher closed, dropping security event",
			zap.String("event_type", string(event.EventType)),
			zap.String("event_id", event.EventID.String()),
		)
		return
	}

	select {
	case d.queue <- event:
	default:
		metrics.RecordAuditFailure("queue")
		d.logger.Warn("Audit queue full, dropping security event",
			zap.String("event_type", string(event.EventType)),
			zap.String("event_id", event.EventID.String()),
		)
	}
}

// Close drains queued events and stops the worker.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()

		<-d.done
		for _, s := range d.sinks {
			if c, ok := s.(interface{ Close() error }); ok {
				if err := c.Close(); err != nil {
					d.logger.Error("Failed to close audit sink", zap.String("sink", s.Name()), zap.Error(err))
				}
			}
		}
	})
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for event := range d.queue {
		d.deliver(event)
	}
}

func (d *Dispatcher) deliver(event *models.SecurityEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	var g errgroup.Group
	for _, sink := range d.sinks {
		g.Go(func() error {
			if err := sink.Write(ctx, event); err != nil {
				metrics.RecordAuditFailure(sink.Name())
				d.logger.Error("Failed to write security event",
					zap.String("sink", sink.Name()),
					zap.String("event_id", event.EventID.String()),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}
