package respond_test

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxlight/indicatord/internal/protocol"
	"github.com/voxlight/indicatord/internal/respond"
)

// lockedBuffer guards the destination against the flush-timer goroutine.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func lines(s string) []string {
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

func TestErrorFlushesImmediately(t *testing.T) {
	var out lockedBuffer
	ch := respond.New(&out, 10, time.Hour)
	if err := ch.Send(protocol.Errorf("t1", protocol.CodeInvalidCommand, "nope")); err != nil {
		t.Fatalf("send: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, `"status":"error"`) || !strings.Contains(got, `"code":"INVALID_COMMAND"`) {
		t.Fatalf("expected immediate error flush, got %q", got)
	}
}

func TestOKBuffersUntilThreshold(t *testing.T) {
	var out lockedBuffer
	ch := respond.New(&out, 3, time.Hour)
	for i := 0; i < 2; i++ {
		if err := ch.Send(protocol.OK("a", "fine")); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if out.String() != "" {
		t.Fatalf("expected responses held below threshold, got %q", out.String())
	}
	if err := ch.Send(protocol.OK("b", "fine")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := lines(out.String()); len(got) != 3 {
		t.Fatalf("expected 3 flushed lines, got %+v", got)
	}
}

func TestTimerFlush(t *testing.T) {
	var out lockedBuffer
	ch := respond.New(&out, 100, 5*time.Millisecond)
	if err := ch.Send(protocol.OK("a", "fine")); err != nil {
		t.Fatalf("send: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for out.String() == "" {
		if time.Now().After(deadline) {
			t.Fatalf("expected timer flush, buffer still empty")
		}
		time.Sleep(time.Millisecond)
	}
	if !strings.Contains(out.String(), `"status":"ok"`) {
		t.Fatalf("expected ok response, got %q", out.String())
	}
}

func TestOrderPreservedAcrossErrorFlush(t *testing.T) {
	var out lockedBuffer
	ch := respond.New(&out, 10, time.Hour)
	_ = ch.Send(protocol.OK("first", "fine"))
	_ = ch.Send(protocol.OK("second", "fine"))
	_ = ch.Send(protocol.Errorf("third", protocol.CodeInvalidConfig, "bad"))
	got := lines(out.String())
	if len(got) != 3 {
		t.Fatalf("expected 3 lines, got %+v", got)
	}
	for i, id := range []string{"first", "second", "third"} {
		if !strings.Contains(got[i], `"id":"`+id+`"`) {
			t.Fatalf("expected line %d to carry id %s, got %q", i, id, got[i])
		}
	}
}

func TestDeterministicFieldOrder(t *testing.T) {
	var out lockedBuffer
	ch := respond.New(&out, 1, time.Hour)
	_ = ch.Send(protocol.Alive("t1", 4242, "2025-06-01T12:00:00Z"))
	want := `{"id":"t1","status":"alive","timestamp":"2025-06-01T12:00:00Z","pid":4242}`
	if got := strings.TrimSpace(out.String()); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestCloseFlushesAndRejects(t *testing.T) {
	var out lockedBuffer
	ch := respond.New(&out, 10, time.Hour)
	_ = ch.Send(protocol.OK("a", "fine"))
	if err := ch.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !strings.Contains(out.String(), `"id":"a"`) {
		t.Fatalf("expected close to flush, got %q", out.String())
	}
	if err := ch.Send(protocol.OK("b", "late")); !errors.Is(err, respond.ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("pipe gone") }

func TestWriterErrorSurfaces(t *testing.T) {
	ch := respond.New(failingWriter{}, 1, time.Hour)
	if err := ch.Send(protocol.OK("a", "fine")); err == nil {
		t.Fatalf("expected write error, got nil")
	}
	if ch.Err() == nil {
		t.Fatalf("expected recorded writer error, got nil")
	}
}
