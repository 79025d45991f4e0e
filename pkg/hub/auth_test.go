package hub

import "testing"

func TestLoginLimiterWindowExpires(t *testing.T) {
	l := newLoginLimiter(300, 2)
	base := int64(1_700_000_000)

	l.recordFailure("10.0.0.1", base)
	l.recordFailure("10.0.0.1", base)
	if limited, count := l.limited("10.0.0.1", base); !limited || count != 2 {
		t.Fatalf("expected source limited at 2 failures, got limited=%v count=%d", limited, count)
	}
	if limited, _ := l.limited("10.0.0.1", base+299); !limited {
		t.Fatal("expected source still limited inside the window")
	}
	if limited, count := l.limited("10.0.0.1", base+300); limited || count != 0 {
		t.Fatalf("expected window expiry to unblock the source, got limited=%v count=%d", limited, count)
	}
	// A failure after expiry starts a fresh window at count 1.
	if got := l.recordFailure("10.0.0.1", base+300); got != 1 {
		t.Fatalf("expected fresh window after expiry, got count %d", got)
	}
}

func TestLoginLimiterClearsOnSuccess(t *testing.T) {
	l := newLoginLimiter(300, 1)
	base := int64(1_700_000_000)

	l.recordFailure("10.0.0.1", base)
	if limited, _ := l.limited("10.0.0.1", base); !limited {
		t.Fatal("expected source limited after max failures")
	}
	l.clear("10.0.0.1")
	if limited, _ := l.limited("10.0.0.1", base); limited {
		t.Fatal("expected clear to unblock the source")
	}
}

func TestSecureEqualHex(t *testing.T) {
	if !secureEqualHex("deadbeef", "deadbeef") {
		t.Fatal("expected equal strings to match")
	}
	if secureEqualHex("deadbeef", "deadbee0") {
		t.Fatal("expected differing strings to mismatch")
	}
	if secureEqualHex("deadbeef", "deadbe") {
		t.Fatal("expected length mismatch to fail")
	}
}
