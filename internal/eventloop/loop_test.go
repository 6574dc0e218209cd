package eventloop

import (
	"context"
	"testing"
	"time"
)

func TestLoop_RunsInPostOrder(t *testing.T) {
	l := New(16, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)

	var got []int
	for i := 0; i < 10; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	l.Call(func() {})

	for i, v := range got {
		if v != i {
			t.Fatalf("expected FIFO order, got %v", got)
		}
	}
	if len(got) != 10 {
		t.Fatalf("expected 10 tasks, got %d", len(got))
	}
}

func TestLoop_SurvivesPanics(t *testing.T) {
	l := New(4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)

	l.Post(func() { panic("boom") })
	ran := false
	if !l.Call(func() { ran = true }) || !ran {
		t.Fatal("loop should keep running after a panicking task")
	}
}

func TestLoop_PostAfterStop(t *testing.T) {
	l := New(4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	l.Start(ctx)
	cancel()
	<-l.Done()

	if l.Post(func() {}) {
		t.Error("Post should fail once the loop is stopped")
	}
	if l.Call(func() {}) {
		t.Error("Call should fail once the loop is stopped")
	}
}

func TestLoop_AfterFunc(t *testing.T) {
	l := New(4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)

	fired := make(chan struct{})
	l.AfterFunc(5*time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}

	stopped := l.AfterFunc(50*time.Millisecond, func() { t.Error("stopped timer fired") })
	stopped.Stop()
	time.Sleep(80 * time.Millisecond)
	l.Call(func() {})
}

func TestLoop_EnqueueFromTaskWithFullQueue(t *testing.T) {
	l := New(2, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)

	var got []string
	running := make(chan struct{})
	release := make(chan struct{})
	l.Post(func() {
		close(running)
		<-release
		l.Enqueue(func() { got = append(got, "control") })
	})
	<-running
	l.Post(func() { got = append(got, "a") })
	l.Post(func() { got = append(got, "b") })
	if n := l.Len(); n != 2 {
		t.Fatalf("expected a full queue, got %d tasks", n)
	}
	close(release)

	finished := make(chan struct{})
	go func() {
		l.Call(func() {})
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("loop stalled on a task that enqueued onto its own full queue")
	}
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "control" {
		t.Errorf("expected FIFO [a b control], got %v", got)
	}
}

func TestLoop_PostWaitsForRoom(t *testing.T) {
	l := New(1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)

	running := make(chan struct{})
	release := make(chan struct{})
	l.Post(func() {
		close(running)
		<-release
	})
	<-running
	l.Post(func() {})

	posted := make(chan struct{})
	go func() {
		l.Post(func() {})
		close(posted)
	}()
	select {
	case <-posted:
		t.Fatal("Post should wait while the queue is full")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	select {
	case <-posted:
	case <-time.After(2 * time.Second):
		t.Fatal("Post never resumed after the queue drained")
	}
}

func TestLoop_StopReleasesWaitingPost(t *testing.T) {
	l := New(1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)

	running := make(chan struct{})
	l.Post(func() {
		close(running)
		<-l.Done()
	})
	<-running
	l.Post(func() {})

	result := make(chan bool)
	go func() { result <- l.Post(func() {}) }()
	time.Sleep(10 * time.Millisecond)
	l.Stop()

	select {
	case ok := <-result:
		if ok {
			t.Error("Post should report failure once the loop stops")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Post still blocked after Stop")
	}
	if l.Enqueue(func() {}) {
		t.Error("Enqueue should fail once the loop is stopped")
	}
}
