package domain

import (
	"testing"
	"time"
)

func TestRecord_ExpiredOnlyAppliesToTerminal(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)

	pending := Record{Status: StatusPending, ExpiresAt: past}
	if pending.Expired(now) {
		t.Fatalf("pending record must never expire by TTL")
	}

	completed := Record{Status: StatusCompleted, ExpiresAt: past}
	if !completed.Expired(now) {
		t.Fatalf("expected terminal record past ExpiresAt to be expired")
	}

	fresh := Record{Status: StatusCompleted, ExpiresAt: now.Add(time.Minute)}
	if fresh.Expired(now) {
		t.Fatalf("expected unexpired terminal record to not be expired")
	}
}

func TestRecord_Terminal(t *testing.T) {
	if (Record{Status: StatusPending}).Terminal() {
		t.Fatalf("pending is not terminal")
	}
	if !(Record{Status: StatusCompleted}).Terminal() {
		t.Fatalf("completed is terminal")
	}
	if !(Record{Status: StatusFailed}).Terminal() {
		t.Fatalf("failed is terminal")
	}
}

func TestKey_StringScopesByOperation(t *testing.T) {
	a := Key{Operation: "POST /orders", Value: "order-42"}
	b := Key{Operation: "POST /payments", Value: "order-42"}
	if a.String() == b.String() {
		t.Fatalf("same literal key under different operations must not collide")
	}
}
