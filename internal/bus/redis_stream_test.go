package bus_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fakturenn/fakturenn/internal/bus"
	"github.com/fakturenn/fakturenn/internal/testutil"
)

func TestStreamConfigSanitize(t *testing.T) {
	cfg := bus.StreamConfig{}
	cfg.Sanitize()

	assert.Equal(t, "fakturenn:events", cfg.KeyPrefix)
	assert.Equal(t, 30*time.Second, cfg.Visibility)
	assert.Equal(t, 5*time.Second, cfg.Block)
	assert.Equal(t, cfg.Visibility, cfg.ClaimInterval)
	assert.Equal(t, 16, cfg.BatchSize)
}

func TestNewStreamBusRequiresClient(t *testing.T) {
	_, err := bus.NewStreamBus(nil, bus.StreamConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis client is required")
}

func newTestStreamBus(t *testing.T) *bus.StreamBus {
	t.Helper()
	rdb := testutil.SetupTestRedis(t)
	b, err := bus.NewStreamBus(rdb, bus.StreamConfig{
		KeyPrefix:  fmt.Sprintf("fakturenn:test:%s", uuid.NewString()[:8]),
		Visibility: 2 * time.Second,
		Block:      200 * time.Millisecond,
		BatchSize:  8,
	})
	require.NoError(t, err)
	return b
}

func TestStreamBusPublishConsume(t *testing.T) {
	b := newTestStreamBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, b.Publish(ctx, "job.started", []byte(`{"job_id":"j1"}`)))
	require.NoError(t, b.Publish(ctx, "job.started", []byte(`{"job_id":"j2"}`)))

	consumeCtx, stop := context.WithCancel(ctx)
	var (
		mu  sync.Mutex
		got []string
	)
	done := make(chan error, 1)
	go func() {
		done <- b.Consume(consumeCtx, "job.started", "coordinator", "c1", func(_ context.Context, m bus.Msg) error {
			mu.Lock()
			got = append(got, string(m.Data))
			n := len(got)
			mu.Unlock()
			assert.Equal(t, "job.started", m.Subject)
			assert.NotEmpty(t, m.ID)
			if n == 2 {
				stop()
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-ctx.Done():
		t.Fatal("consumer did not receive both messages")
	}
	assert.Equal(t, []string{`{"job_id":"j1"}`, `{"job_id":"j2"}`}, got)
}

func TestStreamBusRedeliversUnacknowledged(t *testing.T) {
	b := newTestStreamBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	require.NoError(t, b.Publish(ctx, "export.execute", []byte("work")))

	consumeCtx, stop := context.WithCancel(ctx)
	var (
		mu       sync.Mutex
		attempts int
	)
	done := make(chan error, 1)
	go func() {
		done <- b.Consume(consumeCtx, "export.execute", "export-workers", "c1", func(_ context.Context, _ bus.Msg) error {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n == 1 {
				return errors.New("transient delivery failure")
			}
			stop()
			return nil
		})
	}()

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("message was not redelivered after the visibility window")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, attempts, 2)
}

func TestStreamBusGroupsConsumeIndependently(t *testing.T) {
	b := newTestStreamBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	consume := func(group string) <-chan string {
		out := make(chan string, 1)
		go func() {
			_ = b.Consume(ctx, "source.completed", group, "c1", func(_ context.Context, m bus.Msg) error {
				select {
				case out <- string(m.Data):
				default:
				}
				return nil
			})
		}()
		return out
	}
	groupA := consume("coordinator")
	groupB := consume("audit")

	// Give both groups time to register before publishing.
	time.Sleep(500 * time.Millisecond)
	require.NoError(t, b.Publish(ctx, "source.completed", []byte("done")))

	for name, ch := range map[string]<-chan string{"coordinator": groupA, "audit": groupB} {
		select {
		case data := <-ch:
			assert.Equal(t, "done", data, "group %s", name)
		case <-ctx.Done():
			t.Fatalf("group %s did not receive the message", name)
		}
	}
}
