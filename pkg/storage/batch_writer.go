package storage

import (
	"sync"
	"time"
)

// MetricWriter provides asynchronous batching of job metric writes with
// automatic flushing based on batch size or timeout. Training loops emit a
// metric row per epoch; batching keeps transaction overhead off the hot path.
//
// Usage:
//
//	writer := store.NewMetricWriter(100, 100*time.Millisecond)
//	defer writer.Close()
//	writer.Add(metric) // metrics are batched and flushed automatically
//
// The writer is safe for concurrent use.
type MetricWriter struct {
	store   *Store
	batch   []*JobMetric
	maxSize int
	maxWait time.Duration
	mu      sync.Mutex
	timer   *time.Timer
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewMetricWriter creates a new metric writer with the specified batch size
// and maximum wait time. Metrics are flushed when either maxSize rows have
// been accumulated or maxWait time has elapsed since the first row.
func (s *Store) NewMetricWriter(maxSize int, maxWait time.Duration) *MetricWriter {
	if maxSize <= 0 {
		maxSize = 100
	}
	if maxWait <= 0 {
		maxWait = 100 * time.Millisecond
	}

	mw := &MetricWriter{
		store:   s,
		batch:   make([]*JobMetric, 0, maxSize),
		maxSize: maxSize,
		maxWait: maxWait,
		done:    make(chan struct{}),
	}

	mw.wg.Add(1)
	go mw.flusher()

	return mw
}

// Add adds a metric to the batch. If the batch reaches maxSize, it is
// flushed immediately. Otherwise, a timer is started to flush after maxWait.
func (mw *MetricWriter) Add(m *JobMetric) error {
	mw.mu.Lock()
	defer mw.mu.Unlock()

	select {
	case <-mw.done:
		return ErrStoreClosed
	default:
	}

	mw.batch = append(mw.batch, m)

	if len(mw.batch) >= mw.maxSize {
		return mw.flushLocked()
	}

	// Start timer on first row
	if len(mw.batch) == 1 {
		mw.startTimer()
	}

	return nil
}

// Flush manually flushes the current batch.
func (mw *MetricWriter) Flush() error {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	return mw.flushLocked()
}

// Close stops the metric writer and flushes any remaining rows.
func (mw *MetricWriter) Close() error {
	close(mw.done)
	mw.wg.Wait()

	return mw.Flush()
}

// flushLocked flushes the batch while holding the lock.
// Must be called with lock held.
func (mw *MetricWriter) flushLocked() error {
	if len(mw.batch) == 0 {
		return nil
	}

	if mw.timer != nil {
		mw.timer.Stop()
		mw.timer = nil
	}

	batch := mw.batch
	mw.batch = make([]*JobMetric, 0, mw.maxSize)

	// Release lock during database operation
	mw.mu.Unlock()
	err := mw.store.SaveJobMetricsBatch(batch)
	if isBusyError(err) {
		time.Sleep(50 * time.Millisecond)
		err = mw.store.SaveJobMetricsBatch(batch)
	}
	mw.mu.Lock()

	return err
}

// startTimer starts the flush timer.
// Must be called with lock held.
func (mw *MetricWriter) startTimer() {
	if mw.timer != nil {
		mw.timer.Stop()
	}

	mw.timer = time.AfterFunc(mw.maxWait, func() {
		mw.mu.Lock()
		_ = mw.flushLocked()
		mw.mu.Unlock()
	})
}

// flusher runs in the background to handle shutdown signals.
func (mw *MetricWriter) flusher() {
	defer mw.wg.Done()
	<-mw.done
}

// BatchSize returns the current number of rows in the batch.
func (mw *MetricWriter) BatchSize() int {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	return len(mw.batch)
}
