package queue

import (
	"sync"
	"testing"
	"time"

	"ratelogd/internal/message"
	"ratelogd/internal/rserr"
)

func newQMsg(sev message.Severity, body string) *message.Message {
	return message.New([]byte(body), sev, 1, "10.0.0.1", "src", "host", "app", "1", time.Now())
}

func collectingConsumer(out *[]*message.Message, mu *sync.Mutex) Consumer {
	return func(batch []*message.Message) {
		mu.Lock()
		*out = append(*out, batch...)
		mu.Unlock()
	}
}

func TestDirectQueueCallsConsumerSynchronously(t *testing.T) {
	var out []*message.Message
	var mu sync.Mutex
	q, err := New("direct", Config{Type: Direct}, collectingConsumer(&out, &mu), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code := q.Enqueue(newQMsg(message.SeverityInfo, "x"), Regular); code != rserr.OK {
		t.Fatalf("unexpected code %v", code)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(out) != 1 {
		t.Fatalf("expected 1 message delivered synchronously, got %d", len(out))
	}
}

func TestFixedArrayQueueDeliversAllMessages(t *testing.T) {
	var out []*message.Message
	var mu sync.Mutex
	q, err := New("fa", Config{
		Type: FixedArray, Workers: 2, MaxSize: 64, DequeueBatchSize: 8,
	}, collectingConsumer(&out, &mu), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	const n = 200
	for i := 0; i < n; i++ {
		if code := q.Enqueue(newQMsg(message.SeverityInfo, "x"), Regular); code != rserr.OK {
			t.Fatalf("enqueue %d: unexpected code %v", i, code)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := len(out)
		mu.Unlock()
		if got == n {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(out) != n {
		t.Fatalf("expected %d delivered, got %d", n, len(out))
	}
}

func TestDiscardMarkDropsLowerPriorityOverflow(t *testing.T) {
	block := make(chan struct{})
	consumer := func(batch []*message.Message) { <-block }
	q, err := New("disc", Config{
		Type: LinkedList, Workers: 1, MaxSize: 1000,
		DiscardMark: 2, DiscardSeverity: message.SeverityError,
		DequeueBatchSize: 1,
	}, consumer, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer close(block)

	// First message is picked up by the single worker and blocks it,
	// so subsequent enqueues accumulate depth without being drained.
	q.Enqueue(newQMsg(message.SeverityInfo, "a"), Regular)
	time.Sleep(20 * time.Millisecond)
	q.Enqueue(newQMsg(message.SeverityInfo, "b"), Regular)
	q.Enqueue(newQMsg(message.SeverityInfo, "c"), Regular)

	// Debug severity (7) is lower priority than DiscardSeverity (Error=3);
	// once depth >= DiscardMark it should be silently dropped.
	code := q.Enqueue(newQMsg(message.SeverityDebug, "d"), Regular)
	if code != rserr.DiscardMsg {
		t.Fatalf("expected DiscardMsg for low-priority overflow, got %v", code)
	}
}

func TestShutdownDrainsAndStopsWorkers(t *testing.T) {
	var out []*message.Message
	var mu sync.Mutex
	q, err := New("sd", Config{
		Type: LinkedList, Workers: 2, DequeueBatchSize: 4,
		ToQShutdown: 200 * time.Millisecond, ToActShutdown: 200 * time.Millisecond,
	}, collectingConsumer(&out, &mu), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 10; i++ {
		q.Enqueue(newQMsg(message.SeverityInfo, "x"), Regular)
	}
	lost := q.Shutdown()
	if lost != 0 {
		t.Fatalf("expected no loss under normal drain, got %d lost", lost)
	}
}
