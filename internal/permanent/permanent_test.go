package permanent

import (
	"errors"
	"fmt"
	"testing"
)

func TestMarkAndIs(t *testing.T) {
	t.Parallel()

	root := errors.New("chat not found")
	wrapped := fmt.Errorf("send: %w", Mark(root))
	if !Is(wrapped) {
		t.Fatalf("expected permanent marker through wrap")
	}
	if !errors.Is(wrapped, root) {
		t.Fatalf("expected root cause to stay reachable")
	}
	if Is(root) {
		t.Fatalf("plain error must not be permanent")
	}
	if Mark(nil) != nil || Is(nil) {
		t.Fatalf("nil must stay nil")
	}
}

func TestErrorf(t *testing.T) {
	t.Parallel()

	root := errors.New("bad request")
	err := Errorf("gateway %s: %w", "send", root)
	if !Is(err) || !errors.Is(err, root) {
		t.Fatalf("unexpected classification for %v", err)
	}
}
