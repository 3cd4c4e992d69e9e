package pool

import "testing"

func TestWaitlistFIFOOrder(t *testing.T) {
	w := newWaitlist(0)
	var order []string
	record := func(name string) GetCallback {
		return func(*Session, error) { order = append(order, name) }
	}

	w.Enqueue(record("first"), Options{})
	w.Enqueue(record("second"), Options{})
	w.Enqueue(record("third"), Options{})

	for w.Len() > 0 {
		wt := w.PopFront()
		wt.callback(nil, nil)
	}

	want := []string{"first", "second", "third"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}

func TestWaitlistIsFull(t *testing.T) {
	w := newWaitlist(2)
	if w.IsFull() {
		t.Fatal("empty waitlist should not be full")
	}
	w.Enqueue(func(*Session, error) {}, Options{})
	w.Enqueue(func(*Session, error) {}, Options{})
	if !w.IsFull() {
		t.Fatal("expected waitlist at its configured cap to be full")
	}
}

func TestWaitlistUnboundedNeverFull(t *testing.T) {
	w := newWaitlist(0)
	for i := 0; i < 50; i++ {
		w.Enqueue(func(*Session, error) {}, Options{})
	}
	if w.IsFull() {
		t.Fatal("maxSize<=0 should mean unbounded")
	}
}

func TestWaitlistRemoveByID(t *testing.T) {
	w := newWaitlist(0)
	id1 := w.Enqueue(func(*Session, error) {}, Options{})
	id2 := w.Enqueue(func(*Session, error) {}, Options{})

	removed := w.Remove(id1)
	if removed == nil || removed.id != id1 {
		t.Fatal("expected Remove to find the queued waiter by id")
	}
	if w.Len() != 1 {
		t.Fatalf("expected Len()=1 after removing one of two waiters, got %d", w.Len())
	}

	if w.Remove(id1) != nil {
		t.Fatal("expected a second Remove of the same id to return nil")
	}

	front := w.PopFront()
	if front == nil || front.id != id2 {
		t.Fatal("expected the remaining waiter to still be queued")
	}
}

func TestWaitlistSetCancelFiresOnPop(t *testing.T) {
	w := newWaitlist(0)
	id := w.Enqueue(func(*Session, error) {}, Options{})
	cancelled := false
	w.setCancel(id, func() { cancelled = true })

	w.PopFront()
	if !cancelled {
		t.Fatal("expected PopFront to invoke the waiter's cancel func")
	}
}

func TestWaitlistPopFrontEmpty(t *testing.T) {
	w := newWaitlist(0)
	if w.PopFront() != nil {
		t.Fatal("expected PopFront on an empty waitlist to return nil")
	}
}
