package exchange

import "testing"

func TestWellKnownRejectionRecognizesPostOnly(t *testing.T) {
	reason, ok := wellKnownRejection("Post only order would cross")
	if !ok || reason != "post_only" {
		t.Fatalf("got (%q, %v), want (post_only, true)", reason, ok)
	}
}

func TestWellKnownRejectionRecognizesCoinbaseCodes(t *testing.T) {
	for _, msg := range []string{"error 51020", "170193 rejected", "170194"} {
		reason, ok := wellKnownRejection(msg)
		if !ok || reason != "post_only" {
			t.Errorf("message %q: got (%q, %v), want (post_only, true)", msg, reason, ok)
		}
	}
}

func TestWellKnownRejectionRecognizesInsufficientFunds(t *testing.T) {
	reason, ok := wellKnownRejection("Insufficient funds for this order")
	if !ok || reason != "insufficient_funds" {
		t.Fatalf("got (%q, %v), want (insufficient_funds, true)", reason, ok)
	}
}

func TestWellKnownRejectionRecognizesAlreadyFilled(t *testing.T) {
	reason, ok := wellKnownRejection("order already filled")
	if !ok || reason != "already_filled" {
		t.Fatalf("got (%q, %v), want (already_filled, true)", reason, ok)
	}
}

func TestWellKnownRejectionUnknownMessage(t *testing.T) {
	_, ok := wellKnownRejection("something entirely unexpected")
	if ok {
		t.Fatal("an unrecognized message must not be classified as a well-known rejection")
	}
}

func TestIsTransientClassification(t *testing.T) {
	if !isTransient(ErrTransport) {
		t.Error("ErrTransport should be transient")
	}
	if !isTransient(ErrInternalServer) {
		t.Error("ErrInternalServer should be transient")
	}
	if !isTransient(ErrRateLimitExceeded) {
		t.Error("ErrRateLimitExceeded should be transient")
	}
	if isTransient(ErrAuthFailed) {
		t.Error("ErrAuthFailed should not be transient")
	}
	if isTransient(nil) {
		t.Error("nil error should not be transient")
	}
}
