// Package auditlog buffers guard decisions and persists them off the
// request path. Entries flush to Postgres in batches while each one is
// fanned out over Redis Pub/Sub for live dashboards.
package auditlog

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orafinite/backend/internal/database"
)

// Channel is the Pub/Sub channel carrying live guard log events.
const Channel = "guard_log_events"

const (
	defaultCapacity      = 10000
	defaultBatchSize     = 100
	defaultFlushInterval = 500 * time.Millisecond

	flushTimeout = 5 * time.Second
)

// GuardLogEvent is the wire shape published on Channel.
type GuardLogEvent struct {
	Type string            `json:"type"`
	Log  database.GuardLog `json:"log"`
}

// Store persists batches. *database.DB satisfies it.
type Store interface {
	InsertGuardLogs(ctx context.Context, logs []database.GuardLog) error
}

// Publisher fans events out. redisx.Client satisfies it.
type Publisher interface {
	Publish(ctx context.Context, channel string, message []byte) error
}

// Options tune the buffer. Zero values take the defaults above.
type Options struct {
	Capacity      int
	BatchSize     int
	FlushInterval time.Duration

	// OnDrop fires once per entry discarded because the buffer was full.
	OnDrop func()
}

// Writer is the async buffer. Enqueue never blocks the caller; when the
// buffer is full the entry is dropped and counted, not queued.
type Writer struct {
	store     Store
	publisher Publisher
	opts      Options

	ch   chan database.GuardLog
	wg   sync.WaitGroup
	once sync.Once
}

func NewWriter(store Store, publisher Publisher, opts Options) *Writer {
	if opts.Capacity <= 0 {
		opts.Capacity = defaultCapacity
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}

	w := &Writer{
		store:     store,
		publisher: publisher,
		opts:      opts,
		ch:        make(chan database.GuardLog, opts.Capacity),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Enqueue hands one decision to the buffer. Returns false when the entry
// was dropped.
func (w *Writer) Enqueue(l database.GuardLog) bool {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}

	select {
	case w.ch <- l:
		return true
	default:
		log.Printf("⚠️ [AuditLog] buffer full, dropping entry for key %s", l.APIKeyID)
		if w.opts.OnDrop != nil {
			w.opts.OnDrop()
		}
		return false
	}
}

// Close stops intake and drains everything already buffered.
func (w *Writer) Close() {
	w.once.Do(func() { close(w.ch) })
	w.wg.Wait()
}

func (w *Writer) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]database.GuardLog, 0, w.opts.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		err := w.store.InsertGuardLogs(ctx, batch)
		cancel()
		if err != nil {
			log.Printf("❌ [AuditLog] flush of %d entries failed: %v", len(batch), err)
		} else {
			// Dashboards only hear about entries that actually persisted,
			// so the live feed never shows rows a later query can't find.
			for _, l := range batch {
				w.publish(l)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case l, ok := <-w.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, l)
			if len(batch) >= w.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (w *Writer) publish(l database.GuardLog) {
	if w.publisher == nil {
		return
	}
	payload, err := json.Marshal(GuardLogEvent{Type: "guard_log", Log: l})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.publisher.Publish(ctx, Channel, payload); err != nil {
		log.Printf("⚠️ [AuditLog] publish: %v", err)
	}
}
