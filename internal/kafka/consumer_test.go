package kafka

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"notification-hub/internal/notification"
)

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func newTestConsumer(r *fakeReader, h Handler) *Consumer {
	return &Consumer{reader: r, handle: h, retryInitial: 5 * time.Millisecond}
}

func runConsumer(t *testing.T, c *Consumer) (context.CancelFunc, <-chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := c.Run(ctx); err != nil {
			t.Errorf("run: %v", err)
		}
	}()
	return cancel, done
}

func TestConsumerRedeliversRetryableFailure(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{{Topic: "ingest", Offset: 7, Value: []byte(`{}`)}}}
	var mu sync.Mutex
	calls := 0
	succeeded := make(chan struct{})
	c := newTestConsumer(r, func(context.Context, string, []byte, []byte) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls <= 2 {
			if got := r.commits(); len(got) != 0 {
				t.Errorf("committed before success: %v", got)
			}
			return fmt.Errorf("ingest from ingest: %w", notification.ErrStoreUnavailable)
		}
		close(succeeded)
		return nil
	})
	cancel, done := runConsumer(t, c)

	select {
	case <-succeeded:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never succeeded")
	}
	deadline := time.Now().Add(time.Second)
	for len(r.commits()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if got := r.commits(); len(got) != 1 || got[0] != 7 {
		t.Fatalf("commits = %v, want [7]", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestConsumerDoesNotCommitWhileStoreDown(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{{Topic: "ingest", Offset: 3}, {Topic: "ingest", Offset: 4}}}
	attempts := make(chan struct{}, 64)
	c := newTestConsumer(r, func(context.Context, string, []byte, []byte) error {
		select {
		case attempts <- struct{}{}:
		default:
		}
		return notification.ErrStoreUnavailable
	})
	cancel, done := runConsumer(t, c)

	for i := 0; i < 3; i++ {
		select {
		case <-attempts:
		case <-time.After(2 * time.Second):
			t.Fatal("handler not retried")
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}

	if got := r.commits(); len(got) != 0 {
		t.Fatalf("commits = %v, want none", got)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) != 1 {
		t.Fatalf("later message fetched past an uncommitted failure")
	}
	if !r.closed {
		t.Fatal("reader not closed")
	}
}

func TestConsumerCommitsPermanentFailure(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{{Topic: "ingest", Offset: 1}}}
	calls := 0
	c := newTestConsumer(r, func(context.Context, string, []byte, []byte) error {
		calls++
		return fmt.Errorf("decode: %w", notification.ErrValidation)
	})
	cancel, done := runConsumer(t, c)

	deadline := time.Now().Add(time.Second)
	for len(r.commits()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if got := r.commits(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("commits = %v, want [1]", got)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}
