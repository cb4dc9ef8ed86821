package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultQueueCapacity = 1000
	defaultBatchSize     = 100
	defaultFlushInterval = 5 * time.Second
)

// BufferedShipper decouples SIEM delivery from request handling. Enqueue
// never blocks: when the queue is full the record is dropped, counted, and
// the drop is reported through onDrop so it lands in the local log.
type BufferedShipper struct {
	sink          Shipper
	queue         chan Record
	batchSize     int
	flushInterval time.Duration

	dropped int64
	onDrop  func(dropped int64)

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewBufferedShipper starts the background drain worker for sink.
// Zero values select the defaults (queue 1000, batch 100, flush 5s).
func NewBufferedShipper(sink Shipper, queueCapacity, batchSize int, flushInterval time.Duration) *BufferedShipper {
	if queueCapacity <= 0 {
		queueCapacity = defaultQueueCapacity
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	b := &BufferedShipper{
		sink:          sink,
		queue:         make(chan Record, queueCapacity),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go b.drainLoop()
	slog.Info("SIEM shipper started",
		"sink", sink.Name(),
		"queue_capacity", queueCapacity,
		"batch_size", batchSize,
		"flush_interval", flushInterval)
	return b
}

// Enqueue adds record to the queue without ever blocking the caller.
func (b *BufferedShipper) Enqueue(record Record) {
	select {
	case b.queue <- record:
	default:
		total := atomic.AddInt64(&b.dropped, 1)
		slog.Warn("SIEM queue full, dropping audit record",
			"sink", b.sink.Name(), "dropped_total", total)
		if b.onDrop != nil {
			b.onDrop(total)
		}
	}
}

// Dropped returns the total number of records dropped so far.
func (b *BufferedShipper) Dropped() int64 {
	return atomic.LoadInt64(&b.dropped)
}

// Close stops the worker after draining whatever is already queued.
func (b *BufferedShipper) Close() {
	b.stopOnce.Do(func() {
		close(b.stop)
		<-b.done
	})
}

func (b *BufferedShipper) drainLoop() {
	defer close(b.done)

	batch := make([]Record, 0, b.batchSize)
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), shipTimeout)
		if err := b.sink.ShipBatch(ctx, batch); err != nil {
			slog.Error("SIEM batch delivery failed",
				"sink", b.sink.Name(), "records", len(batch), "error", err)
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case record := <-b.queue:
			batch = append(batch, record)
			if len(batch) >= b.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-b.stop:
			// Drain what is already queued, then flush once and exit.
			for {
				select {
				case record := <-b.queue:
					batch = append(batch, record)
					if len(batch) >= b.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
