// internal/service/order/interfaces/dlt_handler_test.go
package interfaces

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

type fakeDltReader struct {
	msgs   chan kafka.Message
	closed chan struct{}

	mu        sync.Mutex
	reads     int
	committed int
	commitErr error
}

func newFakeDltReader(buffer int) *fakeDltReader {
	return &fakeDltReader{
		msgs:   make(chan kafka.Message, buffer),
		closed: make(chan struct{}),
	}
}

func (f *fakeDltReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case msg := <-f.msgs:
		f.mu.Lock()
		f.reads++
		f.mu.Unlock()
		return msg, nil
	case <-f.closed:
		return kafka.Message{}, io.EOF
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (f *fakeDltReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return f.commitErr
	}
	f.committed += len(msgs)
	return nil
}

func (f *fakeDltReader) Close() error {
	close(f.closed)
	return nil
}

func (f *fakeDltReader) Config() kafka.ReaderConfig {
	return kafka.ReaderConfig{Topic: "orders.DLT"}
}

func (f *fakeDltReader) counts() (reads, committed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads, f.committed
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestDltConsumerCommitsAndStopsCleanly(t *testing.T) {
	reader := newFakeDltReader(1)
	adapter := &DltConsumerAdapter{reader: reader, stop: make(chan struct{})}
	ctx := context.Background()
	if err := adapter.Start(ctx); err != nil {
		t.Fatal(err)
	}

	reader.msgs <- kafka.Message{Key: []byte("order-1"), Value: []byte("{}")}
	waitFor(t, func() bool { _, committed := reader.counts(); return committed == 1 })

	done := make(chan struct{})
	go func() {
		adapter.Stop(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestDltConsumerSurvivesCommitFailure(t *testing.T) {
	reader := newFakeDltReader(2)
	reader.commitErr = errors.New("broker unavailable")
	adapter := &DltConsumerAdapter{reader: reader, stop: make(chan struct{})}
	ctx := context.Background()
	if err := adapter.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer adapter.Stop(ctx)

	reader.msgs <- kafka.Message{Key: []byte("order-1")}
	reader.msgs <- kafka.Message{Key: []byte("order-2")}

	// 提交失败只记日志，消费循环继续读下一条
	waitFor(t, func() bool { reads, _ := reader.counts(); return reads == 2 })
}
