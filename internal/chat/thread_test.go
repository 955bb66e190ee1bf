package chat

import "testing"

func TestThreadKeyOrdersIDs(t *testing.T) {
	if got := ThreadKey(42, 7); got != "7_42" {
		t.Fatalf("expected 7_42, got %s", got)
	}
	if got := ThreadKey(7, 42); got != "7_42" {
		t.Fatalf("expected 7_42, got %s", got)
	}
}

func TestThreadKeySymmetric(t *testing.T) {
	if ThreadKey(1, 2) != ThreadKey(2, 1) {
		t.Fatal("both participants must derive the same thread key")
	}
}
