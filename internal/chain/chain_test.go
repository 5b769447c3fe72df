package chain

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cosmicvoyage/star-economy/internal/game"
)

func TestSimulator(t *testing.T) {
	s := NewSimulator(0)
	ctx := context.Background()

	a, err := s.Mint(ctx, "w1", "Mercury", 100_000)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	b, err := s.TransferToWallet(ctx, "w1", game.STAR(3))
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if a == b || !strings.HasPrefix(a, "0x") || len(a) != 34 {
		t.Fatalf("tx refs %q %q", a, b)
	}

	s.FailNext(1)
	if _, err := s.Mint(ctx, "w1", "Venus", 0); !errors.Is(err, ErrRejected) {
		t.Fatalf("injected failure err=%v", err)
	}
	if _, err := s.TransferToWallet(ctx, "w1", 0); !errors.Is(err, ErrRejected) {
		t.Fatalf("zero transfer err=%v", err)
	}
	if got := s.Receipts("w1"); len(got) != 2 || got[0].Body != "Mercury" || got[1].Kind != "transfer" {
		t.Fatalf("receipts=%+v", got)
	}
}

func TestSimulator_LatencyHonoursContext(t *testing.T) {
	s := NewSimulator(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := s.Mint(ctx, "w1", "Mercury", 0); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v", err)
	}
}
