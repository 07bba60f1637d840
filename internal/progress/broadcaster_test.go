package progress

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-relayer/internal/domain"
)

type published struct {
	channel string
	payload []byte
}

// recorder is a Transport that stores payloads and optionally blocks or fails.
type recorder struct {
	mu    sync.Mutex
	got   []published
	block chan struct{}
	err   error
	panic bool
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) Publish(ctx context.Context, channel string, payload []byte) error {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if r.panic {
		panic("boom")
	}
	if r.err != nil {
		return r.err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, published{channel, payload})
	return nil
}

func (r *recorder) events(t *testing.T) []Event {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, 0, len(r.got))
	for _, p := range r.got {
		var ev Event
		require.NoError(t, json.Unmarshal(p.payload, &ev))
		out = append(out, ev)
	}
	return out
}

func fixedNow() time.Time {
	return time.UnixMilli(1_700_000_000_123)
}

func TestBroadcaster_PublishesEvent(t *testing.T) {
	rec := &recorder{}
	b := NewBroadcaster(rec, Options{Now: fixedNow})

	b.Publish("p1", 0, domain.StepConfirming, domain.StepSuccess, map[string]any{"blockNumber": 7})
	b.Wait()

	require.Len(t, rec.got, 1)
	assert.Equal(t, "market-pipeline-p1", rec.got[0].channel)

	ev := rec.events(t)[0]
	assert.Equal(t, "p1", ev.PipelineID)
	assert.Equal(t, domain.StepConfirming, ev.Step)
	assert.Equal(t, "success", ev.Status)
	assert.Equal(t, int64(1_700_000_000_123), ev.Timestamp)
	assert.Equal(t, float64(7), ev.Data["blockNumber"])
	assert.Zero(t, b.Dropped())
}

func TestBroadcaster_SkipsWithoutIDOrTransport(t *testing.T) {
	rec := &recorder{}
	b := NewBroadcaster(rec, Options{})
	b.Publish("", 0, domain.StepValidating, domain.StepStart, nil)
	b.Wait()
	assert.Empty(t, rec.got)

	// Neither must panic.
	NewBroadcaster(nil, Options{}).Publish("p1", 0, domain.StepValidating, domain.StepStart, nil)
	var nilB *Broadcaster
	nilB.Publish("p1", 0, domain.StepValidating, domain.StepStart, nil)
}

func TestBroadcaster_DoesNotBlockCaller(t *testing.T) {
	rec := &recorder{block: make(chan struct{})}
	b := NewBroadcaster(rec, Options{Timeout: time.Minute})

	start := time.Now()
	for i := 0; i < 5; i++ {
		b.Publish("p1", 0, domain.StepValidating, domain.StepStart, nil)
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	close(rec.block)
	b.Wait()
	assert.Len(t, rec.events(t), 5)
}

func TestBroadcaster_BackpressureDrops(t *testing.T) {
	rec := &recorder{block: make(chan struct{})}
	b := NewBroadcaster(rec, Options{MaxInFlight: 2, Timeout: time.Minute})

	for i := 0; i < 5; i++ {
		b.Publish("p1", 0, domain.StepValidating, domain.StepStart, nil)
	}
	assert.Equal(t, int64(3), b.Dropped())

	close(rec.block)
	b.Wait()
	assert.Len(t, rec.events(t), 2)
}

func TestBroadcaster_TimeoutCountsAsDrop(t *testing.T) {
	var buf bytes.Buffer
	rec := &recorder{block: make(chan struct{})}
	b := NewBroadcaster(rec, Options{Timeout: 20 * time.Millisecond, Logger: log.New(&buf, "", 0)})

	b.Publish("p1", 0, domain.StepValidating, domain.StepStart, nil)
	b.Wait()

	assert.Equal(t, int64(1), b.Dropped())
	assert.Contains(t, buf.String(), "progress event dropped (transport)")
}

func TestBroadcaster_TransportFailureAndPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)

	failing := NewBroadcaster(&recorder{err: errors.New("down")}, Options{Logger: logger})
	failing.Publish("p1", 0, domain.StepDone, domain.StepSuccess, nil)
	failing.Wait()
	assert.Equal(t, int64(1), failing.Dropped())

	panicking := NewBroadcaster(&recorder{panic: true}, Options{Logger: logger})
	panicking.Publish("p1", 0, domain.StepDone, domain.StepSuccess, nil)
	panicking.Wait()
	assert.Equal(t, int64(1), panicking.Dropped())
	assert.Contains(t, buf.String(), "transport panic: boom")
}

func TestBroadcaster_EncodeFailure(t *testing.T) {
	rec := &recorder{}
	b := NewBroadcaster(rec, Options{Logger: log.New(&bytes.Buffer{}, "", 0)})

	b.Publish("p1", 0, domain.StepDone, domain.StepSuccess, map[string]any{"bad": make(chan int)})
	b.Wait()

	assert.Empty(t, rec.got)
	assert.Equal(t, int64(1), b.Dropped())
}

func TestMultiTransport(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{err: errors.New("down")}
	m := MultiTransport{bad, ok}

	err := m.Publish(context.Background(), "c", []byte(`{}`))
	assert.ErrorContains(t, err, "down")
	assert.Len(t, ok.got, 1, "a failing transport must not starve the others")
	assert.Equal(t, "multi", m.Name())
}

func TestBroadcaster_DeliversInPublishOrder(t *testing.T) {
	steps := []string{domain.StepValidating, domain.StepBuildingCut, domain.StepSubmittingCreation, domain.StepConfirming}

	for run := 0; run < 20; run++ {
		rec := &recorder{}
		b := NewBroadcaster(rec, Options{})

		seq := 0
		for _, name := range steps {
			b.Publish("p1", seq, name, domain.StepStart, nil)
			seq++
			b.Publish("p1", seq, name, domain.StepSuccess, nil)
			seq++
		}
		b.Wait()

		events := rec.events(t)
		require.Len(t, events, 2*len(steps))
		for i, ev := range events {
			assert.Equal(t, i, ev.Seq, "run %d", run)
			assert.Equal(t, steps[i/2], ev.Step, "run %d", run)
		}
		b.Close()
	}
}

func TestBroadcaster_CloseDrainsAndDropsLater(t *testing.T) {
	rec := &recorder{}
	b := NewBroadcaster(rec, Options{})

	b.Publish("p1", 0, domain.StepValidating, domain.StepStart, nil)
	b.Close()
	assert.Len(t, rec.events(t), 1)

	b.Publish("p1", 1, domain.StepValidating, domain.StepSuccess, nil)
	b.Wait()
	assert.Len(t, rec.events(t), 1)
	assert.Equal(t, int64(1), b.Dropped())

	b.Close()
}
