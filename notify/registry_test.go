package notify

import "testing"

func TestAddFiresInOrder(t *testing.T) {
	r := New[func(int)]()
	var order []int
	r.Add(func(int) { order = append(order, 1) })
	r.Add(func(int) { order = append(order, 2) })
	r.Add(func(int) { order = append(order, 3) })

	for _, fn := range r.Snapshot() {
		fn(0)
	}
	want := []int{1, 2, 3}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestRemoveDuringFireIsSafe(t *testing.T) {
	r := New[func()]()
	var h Handle
	fired := 0
	h = r.Add(func() {
		fired++
		r.Remove(h) // self-removal mid-fire must not deadlock or panic
	})
	r.Add(func() { fired++ })

	for _, fn := range r.Snapshot() {
		fn()
	}
	if fired != 2 {
		t.Fatalf("fired = %d, want 2", fired)
	}
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after self-removal", r.Len())
	}
}

func TestRemoveUnknownHandleIsNoop(t *testing.T) {
	r := New[func()]()
	r.Add(func() {})
	r.Remove(Handle{})
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
}

func TestHandlesAreDistinct(t *testing.T) {
	r := New[func()]()
	h1 := r.Add(func() {})
	h2 := r.Add(func() {})
	if h1 == h2 {
		t.Fatal("expected distinct handles")
	}
	if h1.String() == "" {
		t.Fatal("expected non-empty handle string")
	}
}
