package rserr

import (
	"errors"
	"testing"
)

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	e := New(IOError, "dynstats.persist", cause)
	if !errors.Is(e, cause) {
		t.Fatal("expected errors.Is to find the wrapped cause")
	}
}

func TestErrorIsSentinel(t *testing.T) {
	e := New(RateLimited, "ratelimit.admit", nil)
	if !errors.Is(e, Sentinel(RateLimited)) {
		t.Fatal("expected errors.Is to match by code against a sentinel")
	}
	if errors.Is(e, Sentinel(Suspended)) {
		t.Fatal("expected codes to differ")
	}
}

func TestCodeString(t *testing.T) {
	if OK.String() != "OK" {
		t.Fatalf("expected OK, got %s", OK.String())
	}
	if Code(999).String() != "UNKNOWN" {
		t.Fatalf("expected UNKNOWN for unrecognised code")
	}
}
