package core

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func recv(t *testing.T, sub *Subscription) (string, bool) {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		return ev, ok
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return "", false
	}
}

func assertEmpty(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.Events():
		t.Errorf("unexpected event %q", ev)
	default:
	}
}

func TestBroadcaster_NoReplay(t *testing.T) {
	b := NewBroadcaster(8)

	if n := b.Publish("before"); n != 0 {
		t.Errorf("Publish() with no subscribers delivered to %d, want 0", n)
	}

	sub, err := b.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()
	assertEmpty(t, sub)

	b.Publish("after")
	if ev, _ := recv(t, sub); ev != "after" {
		t.Errorf("event = %q, want %q", ev, "after")
	}
}

func TestBroadcaster_DeliversToAll(t *testing.T) {
	b := NewBroadcaster(8)
	subs := make([]*Subscription, 3)
	for i := range subs {
		subs[i], _ = b.Subscribe()
	}

	if n := b.Publish("GET /api/files 200"); n != 3 {
		t.Errorf("Publish() delivered to %d, want 3", n)
	}
	for i, sub := range subs {
		if ev, _ := recv(t, sub); ev != "GET /api/files 200" {
			t.Errorf("subscriber %d got %q", i, ev)
		}
	}
}

func TestBroadcaster_PerSubscriberOrder(t *testing.T) {
	b := NewBroadcaster(100)
	sub, _ := b.Subscribe()
	defer sub.Close()

	for i := range 50 {
		b.Publish(fmt.Sprintf("event-%d", i))
	}
	for i := range 50 {
		if ev, _ := recv(t, sub); ev != fmt.Sprintf("event-%d", i) {
			t.Fatalf("event %d = %q, out of order", i, ev)
		}
	}
}

func TestBroadcaster_SlowSubscriberIsEvicted(t *testing.T) {
	b := NewBroadcaster(2)
	slow, _ := b.Subscribe()
	fast, _ := b.Subscribe()

	received := make(chan []string)
	go func() {
		var got []string
		for ev := range fast.Events() {
			got = append(got, ev)
			if len(got) == 10 {
				break
			}
		}
		received <- got
	}()

	for i := range 10 {
		// publish only once the fast reader has room, so it keeps up
		for len(fast.ch) == cap(fast.ch) {
			time.Sleep(time.Millisecond)
		}
		b.Publish(fmt.Sprintf("e%d", i))
	}

	// the slow subscriber keeps the prefix it buffered, then sees a close
	var got []string
	for ev := range slow.Events() {
		got = append(got, ev)
	}
	if fmt.Sprint(got) != "[e0 e1]" {
		t.Errorf("slow subscriber events = %v, want [e0 e1]", got)
	}
	if !slow.Evicted() {
		t.Error("slow.Evicted() = false, want true")
	}

	if fastGot := <-received; len(fastGot) != 10 || fastGot[9] != "e9" {
		t.Errorf("fast subscriber events = %v, want e0..e9", fastGot)
	}
	if fast.Evicted() {
		t.Error("fast subscriber should not be evicted")
	}

	st := b.Stats()
	if st.Published != 10 || st.Evicted != 1 || st.Subscribers != 1 {
		t.Errorf("Stats() = %+v, want 10 published, 1 evicted, 1 subscriber", st)
	}

	slow.Close() // no panic after eviction
	fast.Close()
}

func TestBroadcaster_UnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster(4)
	sub, _ := b.Subscribe()

	sub.Close()
	sub.Close() // idempotent

	if _, ok := <-sub.Events(); ok {
		t.Error("channel should be closed after Close")
	}
	if b.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", b.SubscriberCount())
	}
	if n := b.Publish("x"); n != 0 {
		t.Errorf("Publish() after unsubscribe delivered to %d, want 0", n)
	}
}

func TestBroadcaster_ConcurrentChurn(t *testing.T) {
	b := NewBroadcaster(4)
	stop := make(chan struct{})

	var pubs sync.WaitGroup
	for range 4 {
		pubs.Add(1)
		go func() {
			defer pubs.Done()
			for {
				select {
				case <-stop:
					return
				default:
					b.Publish("tick")
				}
			}
		}()
	}

	var subs sync.WaitGroup
	for range 20 {
		subs.Add(1)
		go func() {
			defer subs.Done()
			for range 50 {
				sub, err := b.Subscribe()
				if err != nil {
					return
				}
				select {
				case <-sub.Events():
				case <-time.After(time.Millisecond):
				}
				sub.Close()
			}
		}()
	}

	subs.Wait()
	close(stop)
	pubs.Wait()

	if n := b.SubscriberCount(); n != 0 {
		t.Errorf("SubscriberCount() = %d after churn, want 0", n)
	}
}

func TestBroadcaster_Close(t *testing.T) {
	b := NewBroadcaster(4)
	sub, _ := b.Subscribe()

	b.Close()
	if _, ok := <-sub.Events(); ok {
		t.Error("subscriber channel should close with the broadcaster")
	}
	sub.Close() // no panic after broadcaster close

	if _, err := b.Subscribe(); err != ErrBroadcasterClosed {
		t.Errorf("Subscribe() after Close error = %v, want %v", err, ErrBroadcasterClosed)
	}
	b.Close()
}

func TestBroadcaster_Writer(t *testing.T) {
	b := NewBroadcaster(8)
	sub, _ := b.Subscribe()
	defer sub.Close()

	w := b.Writer()
	fmt.Fprint(w, "level=INFO msg=one\r\n")
	fmt.Fprint(w, "level=INFO msg=")
	fmt.Fprint(w, "two\n\n")

	for _, want := range []string{"level=INFO msg=one", "level=INFO msg=two"} {
		if ev, _ := recv(t, sub); ev != want {
			t.Errorf("event = %q, want %q", ev, want)
		}
	}
	assertEmpty(t, sub)
}
