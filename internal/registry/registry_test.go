package registry

import "testing"

func TestTryClaimAndBusy(t *testing.T) {
	r := New()
	_, _, _, err := r.TryClaim("p1", "s1", KindCoding, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, _, err := r.TryClaim("p1", "s2", KindCoding, 2); err != ErrBusy {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestReleaseIsIdempotentAndIgnoresMismatch(t *testing.T) {
	r := New()
	r.TryClaim("p1", "s1", KindCoding, 1)

	r.Release("p1", "wrong-session")
	if _, ok := r.Active("p1"); !ok {
		t.Fatal("release with mismatched session id removed the entry")
	}

	r.Release("p1", "s1")
	if _, ok := r.Active("p1"); ok {
		t.Fatal("entry still present after matching release")
	}
	r.Release("p1", "s1") // idempotent
}

func TestRequestStopObservedByHandle(t *testing.T) {
	r := New()
	entry, _, _, _ := r.TryClaim("p1", "s1", KindCoding, 1)
	if entry.StopRequested() {
		t.Fatal("stop flag set before RequestStop")
	}
	r.RequestStop("p1")
	if !entry.StopRequested() {
		t.Fatal("stop flag not observed after RequestStop")
	}
}

func TestCancelInvokesCancelFunc(t *testing.T) {
	r := New()
	_, ctx, _, _ := r.TryClaim("p1", "s1", KindCoding, 1)
	r.Cancel("p1")
	select {
	case <-ctx.Done():
	default:
		t.Fatal("expected ctx to be cancelled")
	}
	r.Cancel("does-not-exist")
}
