package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"market-relayer/internal/domain"
	"market-relayer/internal/observability"
)

// Default broadcaster settings.
const (
	DefaultTimeout     = 2 * time.Second
	DefaultMaxInFlight = 64
)

// Options configures a Broadcaster.
type Options struct {
	Timeout     time.Duration
	MaxInFlight int
	Logger      *log.Logger
	Now         func() time.Time
}

type delivery struct {
	channel string
	payload []byte
}

// Broadcaster publishes step events from a single detached delivery
// goroutine, in publish order. It never blocks the caller beyond enqueuing
// and never reports failure.
type Broadcaster struct {
	transport Transport
	timeout   time.Duration
	queue     chan delivery
	slots     chan struct{}
	log       *log.Logger
	now       func() time.Time

	wg      sync.WaitGroup
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
}

// NewBroadcaster creates a Broadcaster. A nil transport disables publishing.
func NewBroadcaster(transport Transport, opts Options) *Broadcaster {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = DefaultMaxInFlight
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	b := &Broadcaster{
		transport: transport,
		timeout:   opts.Timeout,
		queue:     make(chan delivery, opts.MaxInFlight),
		slots:     make(chan struct{}, opts.MaxInFlight),
		log:       opts.Logger,
		now:       opts.Now,
		stop:      make(chan struct{}),
	}
	if transport != nil {
		go b.loop()
	}
	return b
}

// Publish enqueues a step event for pipelineID. seq is the entry's position
// in the pipeline's step log. Skipped when the id is empty or no transport
// is configured; events beyond the in-flight bound (queued plus the one
// being delivered) are dropped and counted.
func (b *Broadcaster) Publish(pipelineID string, seq int, step string, status domain.StepStatus, data map[string]any) {
	if b == nil || b.transport == nil || pipelineID == "" {
		return
	}
	payload, err := json.Marshal(Event{
		PipelineID: pipelineID,
		Seq:        seq,
		Step:       step,
		Status:     string(status),
		Timestamp:  b.now().UnixMilli(),
		Data:       data,
	})
	if err != nil {
		b.drop("encode", fmt.Errorf("encode event: %w", err))
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.drop("closed", nil)
		return
	}

	select {
	case b.slots <- struct{}{}:
	default:
		b.drop("backpressure", nil)
		return
	}
	b.wg.Add(1)
	// A held slot guarantees room in the queue.
	b.queue <- delivery{channel: Channel(pipelineID), payload: payload}
}

func (b *Broadcaster) loop() {
	for {
		select {
		case d := <-b.queue:
			b.deliver(d)
		case <-b.stop:
			return
		}
	}
}

func (b *Broadcaster) deliver(d delivery) {
	defer b.wg.Done()
	defer func() { <-b.slots }()
	defer func() {
		if r := recover(); r != nil {
			b.drop("panic", fmt.Errorf("transport panic: %v", r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	if err := b.transport.Publish(ctx, d.channel, d.payload); err != nil {
		b.drop("transport", err)
		return
	}
	observability.RecordBroadcastPublished(b.transport.Name())
}

func (b *Broadcaster) drop(reason string, err error) {
	b.dropped.Add(1)
	observability.RecordBroadcastDropped(reason)
	if err != nil {
		b.log.Printf("progress event dropped (%s): %v", reason, err)
	}
}

// Dropped returns the number of events that were not delivered.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// Wait blocks until every queued event has been delivered or dropped.
func (b *Broadcaster) Wait() {
	b.wg.Wait()
}

// Close drains the queue and stops the delivery goroutine. Later events are dropped.
func (b *Broadcaster) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.wg.Wait()
	close(b.stop)
}
