package recorder

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/realtime/internal/queue"
)

// Batcher sends a pgx batch; *pgxpool.Pool satisfies it.
type Batcher interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Writer consumes records from a buffer and inserts them in batches.
type Writer struct {
	cfg    Config
	logger *slog.Logger

	input *queue.Buffer[Record]
	db    Batcher

	batch   []Record
	batchMu sync.Mutex

	ctx  context.Context
	stop chan struct{}
	wg   sync.WaitGroup

	stats Stats
}

// NewWriter creates a Writer reading from input.
func NewWriter(cfg Config, input *queue.Buffer[Record], db Batcher, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		cfg:    cfg,
		logger: logger.With("component", "writer"),
		input:  input,
		db:     db,
		batch:  make([]Record, 0, cfg.BatchSize),
		stop:   make(chan struct{}),
	}
}

// Start begins consuming records. Inserts outlive ctx so that Stop can
// write the final batch; use Stop to end the writer.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx = context.WithoutCancel(ctx)

	w.wg.Add(2)
	go w.consumeLoop()
	go w.flushLoop()

	w.logger.Info("writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop closes the input, writes what is left, and waits for the loops.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping writer")
	close(w.stop)
	w.input.Close()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("writer stop timed out")
	}

	// Left behind when the consumer did not finish in time.
	for _, r := range w.input.Drain(0) {
		w.add(r)
	}
	w.flush(ctx)
	w.logger.Info("writer stopped", "inserts", w.Stats().Inserts)
	return nil
}

// Stats returns current counters.
func (w *Writer) Stats() Stats {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.stats
}

// consumeLoop pops until the buffer is closed and drained.
func (w *Writer) consumeLoop() {
	defer w.wg.Done()

	for {
		r, ok := w.input.Pop()
		if !ok {
			return
		}
		if w.add(r) {
			w.flush(w.ctx)
		}
	}
}

func (w *Writer) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.flush(w.ctx)
		}
	}
}

// add appends r and reports whether the batch is full.
func (w *Writer) add(r Record) bool {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	w.batch = append(w.batch, r)
	return len(w.batch) >= w.cfg.BatchSize
}

// flush writes the current batch.
func (w *Writer) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}
	batch := w.batch
	w.batch = make([]Record, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(ctx, batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.stats.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.stats.Inserts += int64(len(batch) - conflicts)
	w.stats.Conflicts += int64(conflicts)
	w.stats.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed records",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

func (w *Writer) batchInsert(ctx context.Context, rows []Record) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		r.queue(batch)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}
	return conflicts, nil
}
