package webhook

import "testing"

func TestQueueRingPushPopFIFO(t *testing.T) {
	r := newQueueRing[int](3)
	r.push(1)
	r.push(2)
	r.push(3)

	v, ok := r.pop()
	if !ok || v != 1 {
		t.Fatalf("expected 1, got %v ok=%v", v, ok)
	}
	v, ok = r.pop()
	if !ok || v != 2 {
		t.Fatalf("expected 2, got %v ok=%v", v, ok)
	}
}

func TestQueueRingOverwritesOldestOnOverflow(t *testing.T) {
	r := newQueueRing[int](2)
	r.push(1)
	r.push(2)
	_, dropped := r.push(3)
	if !dropped {
		t.Fatal("expected push to report a dropped element on overflow")
	}

	v, ok := r.pop()
	if !ok || v != 2 {
		t.Fatalf("expected oldest surviving element 2, got %v ok=%v", v, ok)
	}
	v, ok = r.pop()
	if !ok || v != 3 {
		t.Fatalf("expected 3, got %v ok=%v", v, ok)
	}
}

func TestQueueRingPeekDoesNotConsume(t *testing.T) {
	r := newQueueRing[int](2)
	r.push(42)
	v, ok := r.peek()
	if !ok || v != 42 {
		t.Fatalf("expected 42, got %v ok=%v", v, ok)
	}
	if r.len() != 1 {
		t.Fatalf("expected len 1 after peek, got %d", r.len())
	}
}

func TestQueueRingZeroCapacityAlwaysDrops(t *testing.T) {
	r := newQueueRing[int](0)
	_, dropped := r.push(1)
	if !dropped {
		t.Fatal("expected zero-capacity ring to report every push as dropped")
	}
	if _, ok := r.pop(); ok {
		t.Fatal("expected zero-capacity ring to never yield a value")
	}
}
