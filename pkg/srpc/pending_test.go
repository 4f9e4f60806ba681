package srpc

import (
	"errors"
	"testing"
)

func TestPendingResolveSingleShot(t *testing.T) {
	p := newPendingTable()
	ch := p.register("req-1")

	if !p.resolve("req-1", pendingReply{payload: []byte(`{}`)}) {
		t.Fatal("resolve returned false for a registered id")
	}
	if p.resolve("req-1", pendingReply{}) {
		t.Fatal("second resolve for the same id succeeded")
	}
	if p.resolve("req-404", pendingReply{}) {
		t.Fatal("resolve for an unknown id succeeded")
	}

	r := <-ch
	if r.err != nil || string(r.payload) != `{}` {
		t.Errorf("reply = %q, %v", r.payload, r.err)
	}
	if p.count() != 0 {
		t.Errorf("count = %d, want 0", p.count())
	}
}

func TestPendingRemoveDropsWaiter(t *testing.T) {
	p := newPendingTable()
	ch := p.register("req-1")
	p.remove("req-1")

	if p.resolve("req-1", pendingReply{}) {
		t.Fatal("resolve succeeded after remove")
	}
	select {
	case r := <-ch:
		t.Errorf("removed waiter received %v", r)
	default:
	}
}

func TestPendingFailAll(t *testing.T) {
	p := newPendingTable()
	chans := make([]chan pendingReply, 5)
	for i := range chans {
		chans[i] = p.register(newID())
	}

	want := errors.New("connection went away")
	p.failAll(want)

	for i, ch := range chans {
		r := <-ch
		if !errors.Is(r.err, want) {
			t.Errorf("waiter %d error = %v, want %v", i, r.err, want)
		}
	}
	if p.count() != 0 {
		t.Errorf("count = %d, want 0", p.count())
	}
}
