package eventbus

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/oppnd/internal/model"
)

// mockRecorder はRecorderのテスト用モック。
type mockRecorder struct {
	mu          sync.Mutex
	published   map[model.EventType]int
	failures    int
	subscribers int
}

func newMockRecorder() *mockRecorder {
	return &mockRecorder{published: make(map[model.EventType]int)}
}

func (m *mockRecorder) RecordPublished(t model.EventType, delivered int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published[t] += delivered
}

func (m *mockRecorder) RecordDeliveryFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
}

func (m *mockRecorder) SetSubscribers(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = n
}

func testEvent(eventType model.EventType, messageID string) model.Event {
	return model.Event{Type: eventType, MessageID: messageID, At: time.Now()}
}

func receive(t *testing.T, sub *Subscription) model.Event {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return model.Event{}
	}
}

func TestPublish_NoSubscribers(t *testing.T) {
	h := NewHub(Options{})

	if n := h.Publish("u1", testEvent(model.EventSent, "m1")); n != 0 {
		t.Errorf("Publish() = %d, want 0", n)
	}
	if h.UserCount() != 0 {
		t.Errorf("UserCount() = %d, want 0", h.UserCount())
	}
}

func TestPublish_DeliversToAllHandlesOfUser(t *testing.T) {
	h := NewHub(Options{})
	a, _ := h.Subscribe("u1")
	b, _ := h.Subscribe("u1")
	other, _ := h.Subscribe("u2")

	if n := h.Publish("u1", testEvent(model.EventDelivered, "m1")); n != 2 {
		t.Fatalf("Publish() = %d, want 2", n)
	}

	for _, sub := range []*Subscription{a, b} {
		ev := receive(t, sub)
		if ev.MessageID != "m1" || ev.Type != model.EventDelivered {
			t.Errorf("received %+v", ev)
		}
	}

	select {
	case ev := <-other.Events():
		t.Errorf("other user should not receive event: %+v", ev)
	default:
	}
}

func TestPublish_PreservesOrderPerHandle(t *testing.T) {
	h := NewHub(Options{BufferSize: 4})
	sub, _ := h.Subscribe("u1")

	h.Publish("u1", testEvent(model.EventSent, "m1"))
	h.Publish("u1", testEvent(model.EventDelivered, "m1"))
	h.Publish("u1", testEvent(model.EventRead, "m1"))

	want := []model.EventType{model.EventSent, model.EventDelivered, model.EventRead}
	for i, w := range want {
		if ev := receive(t, sub); ev.Type != w {
			t.Errorf("event[%d] = %q, want %q", i, ev.Type, w)
		}
	}
}

func TestUnsubscribe_RemovesEmptyUserEntry(t *testing.T) {
	rec := newMockRecorder()
	h := NewHub(Options{Recorder: rec})
	a, _ := h.Subscribe("u1")
	b, _ := h.Subscribe("u1")

	a.Close()
	if h.SubscriberCount("u1") != 1 {
		t.Errorf("SubscriberCount() = %d, want 1", h.SubscriberCount("u1"))
	}
	b.Close()
	if h.UserCount() != 0 {
		t.Errorf("UserCount() = %d, want 0", h.UserCount())
	}
	if rec.subscribers != 0 {
		t.Errorf("subscribers gauge = %d, want 0", rec.subscribers)
	}

	select {
	case <-a.Done():
	default:
		t.Error("Done() should be closed after unsubscribe")
	}
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	h := NewHub(Options{})
	sub, _ := h.Subscribe("u1")
	keep, _ := h.Subscribe("u1")

	sub.Close()
	sub.Close()
	h.Unsubscribe(sub)

	if h.SubscriberCount("u1") != 1 {
		t.Errorf("SubscriberCount() = %d, want 1", h.SubscriberCount("u1"))
	}
	keep.Close()
}

func TestUnsubscribe_NoDeliveryAfterward(t *testing.T) {
	h := NewHub(Options{})
	sub, _ := h.Subscribe("u1")
	sub.Close()

	if n := h.Publish("u1", testEvent(model.EventSent, "m1")); n != 0 {
		t.Errorf("Publish() = %d, want 0", n)
	}
	select {
	case ev := <-sub.Events():
		t.Errorf("unexpected event after unsubscribe: %+v", ev)
	default:
	}
}

func TestPublish_FullBufferTearsDownOnlyThatHandle(t *testing.T) {
	rec := newMockRecorder()
	h := NewHub(Options{BufferSize: 1, Recorder: rec})
	slow, _ := h.Subscribe("u1")
	fast, _ := h.Subscribe("u1")

	h.Publish("u1", testEvent(model.EventSent, "m1"))
	receive(t, fast)

	// slowはバッファが埋まったまま
	n := h.Publish("u1", testEvent(model.EventDelivered, "m1"))
	if n != 1 {
		t.Errorf("Publish() = %d, want 1", n)
	}

	select {
	case <-slow.Done():
	default:
		t.Error("slow handle should be torn down")
	}
	if ev := receive(t, fast); ev.Type != model.EventDelivered {
		t.Errorf("fast handle received %q, want delivered", ev.Type)
	}
	if h.SubscriberCount("u1") != 1 {
		t.Errorf("SubscriberCount() = %d, want 1", h.SubscriberCount("u1"))
	}
	if rec.failures != 1 {
		t.Errorf("delivery failures = %d, want 1", rec.failures)
	}
}

func TestClose_TearsDownAllAndRejectsSubscribe(t *testing.T) {
	h := NewHub(Options{})
	a, _ := h.Subscribe("u1")
	b, _ := h.Subscribe("u2")

	h.Close()
	h.Close()

	for _, sub := range []*Subscription{a, b} {
		select {
		case <-sub.Done():
		default:
			t.Errorf("subscription %s should be done", sub.ID())
		}
	}
	if h.UserCount() != 0 {
		t.Errorf("UserCount() = %d, want 0", h.UserCount())
	}
	if _, err := h.Subscribe("u1"); !errors.Is(err, ErrHubClosed) {
		t.Errorf("Subscribe() error = %v, want ErrHubClosed", err)
	}

	// Close済みハンドルの解除は安全に無視される
	a.Close()
}

func TestHub_ConcurrentSubscribePublish(t *testing.T) {
	h := NewHub(Options{BufferSize: 64})
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub, err := h.Subscribe("u1")
			if err != nil {
				t.Errorf("Subscribe() error: %v", err)
				return
			}
			h.Publish("u1", testEvent(model.EventSent, "m1"))
			sub.Close()
		}()
	}
	wg.Wait()

	if h.UserCount() != 0 {
		t.Errorf("UserCount() = %d, want 0", h.UserCount())
	}
}
