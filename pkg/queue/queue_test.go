package queue

import (
	"sync"
	"testing"
)

func TestDrainReturnsCommandsInOrder(t *testing.T) {
	q := New()
	q.Enqueue(Command{Kind: ChatJoin, Chat: "first"})
	q.Enqueue(Command{Kind: SendMessage, Dest: "second", Body: "hello"})
	q.Enqueue(Command{Kind: ChatPart, Chat: "third"})

	batch := q.Drain()
	if len(batch) != 3 {
		t.Fatalf("expected 3 commands, got %d", len(batch))
	}
	if batch[0].Chat != "first" || batch[1].Dest != "second" || batch[2].Chat != "third" {
		t.Errorf("commands out of order: %+v", batch)
	}

	if got := q.Drain(); len(got) != 0 {
		t.Errorf("second drain should be empty, got %d commands", len(got))
	}
}

func TestLen(t *testing.T) {
	q := New()
	if q.Len() != 0 {
		t.Fatalf("new queue should be empty")
	}
	q.Enqueue(Command{Kind: GetStatus})
	q.Enqueue(Command{Kind: GetBuddies})
	if q.Len() != 2 {
		t.Errorf("expected 2 pending commands, got %d", q.Len())
	}
	q.Drain()
	if q.Len() != 0 {
		t.Errorf("queue should be empty after drain, got %d", q.Len())
	}
}

func TestConcurrentEnqueueDrainDeliversExactlyOnce(t *testing.T) {
	const producers = 8
	const perProducer = 100

	q := New()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Enqueue(Command{Kind: SendMessage, Dest: "room", Body: "msg"})
			}
		}(p)
	}

	drained := make(chan int)
	stop := make(chan struct{})
	go func() {
		total := 0
		for {
			select {
			case <-stop:
				total += len(q.Drain())
				drained <- total
				return
			default:
				total += len(q.Drain())
			}
		}
	}()

	wg.Wait()
	close(stop)

	if total := <-drained; total != producers*perProducer {
		t.Errorf("expected %d commands drained, got %d", producers*perProducer, total)
	}
}
