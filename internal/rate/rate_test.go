package rate

import "testing"

func TestAllowPermitsUpToBurstThenBlocks(t *testing.T) {
	l := NewLimiters(1, 3)

	for i := 0; i < 3; i++ {
		if !l.Allow("session-a") {
			t.Fatalf("call %d: expected burst allowance to permit", i)
		}
	}
	if l.Allow("session-a") {
		t.Fatal("expected 4th immediate call to exceed burst and be denied")
	}
}

func TestAllowTracksKeysIndependently(t *testing.T) {
	l := NewLimiters(1, 1)

	if !l.Allow("a") {
		t.Fatal("expected first call for key a to be allowed")
	}
	if !l.Allow("b") {
		t.Fatal("key b's bucket must be independent of key a's")
	}
	if l.Allow("a") {
		t.Fatal("key a's bucket should already be exhausted")
	}
}

func TestForgetDropsBucketState(t *testing.T) {
	l := NewLimiters(1, 1)
	l.Allow("a")
	if l.Allow("a") {
		t.Fatal("bucket should be exhausted before Forget")
	}

	l.Forget("a")

	if !l.Allow("a") {
		t.Fatal("expected a fresh bucket to allow again after Forget")
	}
}
