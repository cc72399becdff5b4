package collab_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MarcoPoloResearchLab/huddle/internal/collab"
)

func TestAsyncPersisterKeepsRoomOrder(t *testing.T) {
	persister := collab.NewAsyncPersister(collab.PersisterConfig{Workers: 3, QueueSize: 128})

	var mu sync.Mutex
	seen := map[collab.RoomID][]int{}
	rooms := []collab.RoomID{"ROOM0001", "ROOM0002", "ROOM0003"}
	for index := 0; index < 40; index++ {
		for _, roomID := range rooms {
			roomID, index := roomID, index
			persister.Enqueue(roomID, "append", func(ctx context.Context) error {
				mu.Lock()
				defer mu.Unlock()
				seen[roomID] = append(seen[roomID], index)
				return nil
			})
		}
	}
	persister.Close()

	for _, roomID := range rooms {
		values := seen[roomID]
		if len(values) != 40 {
			t.Fatalf("room %s: expected 40 jobs, got %d", roomID, len(values))
		}
		for index, value := range values {
			if value != index {
				t.Fatalf("room %s: job %d ran out of order (%d)", roomID, index, value)
			}
		}
	}
}

func TestAsyncPersisterRetriesTransientFailures(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	persister := collab.NewAsyncPersister(collab.PersisterConfig{
		Workers: 1,
		Backoff: time.Millisecond,
		Logger:  zap.New(core),
	})

	var attempts int
	persister.Enqueue("RETRY001", "flaky", func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	var missingAttempts int
	persister.Enqueue("RETRY001", "missing", func(ctx context.Context) error {
		missingAttempts++
		return collab.ErrSessionNotFound
	})
	persister.Close()

	if attempts != 3 {
		t.Fatalf("expected three attempts, got %d", attempts)
	}
	if missingAttempts != 1 {
		t.Fatalf("expected missing session not to be retried, got %d attempts", missingAttempts)
	}
	failures := logs.FilterMessage("persist job failed").All()
	if len(failures) != 1 {
		t.Fatalf("expected one failure log, got %d", len(failures))
	}
	if operation := failures[0].ContextMap()["operation"]; operation != "missing" {
		t.Fatalf("expected failure for missing job, got %v", operation)
	}
}

func TestAsyncPersisterDiscardsAfterClose(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	persister := collab.NewAsyncPersister(collab.PersisterConfig{Workers: 1, Logger: zap.New(core)})
	persister.Close()
	persister.Close()

	ran := false
	persister.Enqueue("CLOSED01", "late", func(ctx context.Context) error {
		ran = true
		return nil
	})
	if ran {
		t.Fatalf("expected job after close to be discarded")
	}
	if logs.FilterMessage("persist job discarded after shutdown").Len() != 1 {
		t.Fatalf("expected discard to be logged")
	}
}

func TestOutboxIsBoundedAndIdempotentlyClosed(t *testing.T) {
	outbox := collab.NewOutbox(2)
	if !outbox.Deliver([]byte("a")) || !outbox.Deliver([]byte("b")) {
		t.Fatalf("expected buffered deliveries to succeed")
	}
	if outbox.Deliver([]byte("c")) {
		t.Fatalf("expected full outbox to refuse delivery")
	}
	outbox.Close()
	outbox.Close()
	if outbox.Deliver([]byte("d")) {
		t.Fatalf("expected closed outbox to refuse delivery")
	}
	var drained []string
	for frame := range outbox.Frames() {
		drained = append(drained, string(frame))
	}
	if len(drained) != 2 || drained[0] != "a" || drained[1] != "b" {
		t.Fatalf("unexpected drained frames %v", drained)
	}
}
