package torrent

import (
	"context"
	"errors"
	"testing"
	"time"
)

func all(int) bool { return true }

func TestClaimLowestFirstAndExclusive(t *testing.T) {
	pt := newPieceTable(3, 1, nil)
	ctx := context.Background()

	for want := 0; want < 3; want++ {
		got, err := pt.claim(ctx, all)
		if err != nil || got != want {
			t.Fatalf("claim = %d, %v, want %d", got, err, want)
		}
	}

	// everything is in flight elsewhere, so a claim waits
	ctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := pt.claim(ctx, all); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected claim to block, got %v", err)
	}
}

func TestClaimSkipsPiecesThePeerLacks(t *testing.T) {
	pt := newPieceTable(4, 1, nil)
	odd := func(i int) bool { return i%2 == 1 }
	got, err := pt.claim(context.Background(), odd)
	if err != nil || got != 1 {
		t.Fatalf("claim = %d, %v", got, err)
	}
	pt.verify(1)
	got, _ = pt.claim(context.Background(), odd)
	pt.verify(got)
	if _, err := pt.claim(context.Background(), odd); !errors.Is(err, errNoneWanted) {
		t.Fatalf("expected errNoneWanted, got %v", err)
	}
}

func TestClaimWakesOnRelease(t *testing.T) {
	pt := newPieceTable(1, 1, nil)
	index, _ := pt.claim(context.Background(), all)

	got := make(chan int)
	go func() {
		i, err := pt.claim(context.Background(), all)
		if err != nil {
			t.Error(err)
		}
		got <- i
	}()

	time.Sleep(20 * time.Millisecond)
	pt.release(index)
	select {
	case i := <-got:
		if i != 0 {
			t.Fatalf("claimed %d", i)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiting claim was not woken by release")
	}
}

func TestRejectRetryBudget(t *testing.T) {
	pt := newPieceTable(2, 2, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		index, _ := pt.claim(ctx, all)
		if err := pt.reject(index); err != nil {
			t.Fatalf("mismatch %d: %v", i+1, err)
		}
	}
	index, _ := pt.claim(ctx, all)
	err := pt.reject(index)
	var ie *IntegrityError
	if !errors.As(err, &ie) || ie.Index != 0 || ie.Attempts != 3 {
		t.Fatalf("expected IntegrityError for piece 0, got %v", err)
	}
	if _, err := pt.claim(ctx, all); !errors.Is(err, errAborted) {
		t.Fatalf("expected errAborted after failure, got %v", err)
	}
	if !pt.finished() || pt.complete() {
		t.Fatal("table should be finished but not complete")
	}
}

func TestReleaseDoesNotCountAgainstPiece(t *testing.T) {
	pt := newPieceTable(1, 0, nil)
	for i := 0; i < 10; i++ {
		index, err := pt.claim(context.Background(), all)
		if err != nil {
			t.Fatal(err)
		}
		pt.release(index)
	}
	if pt.mismatches[0] != 0 {
		t.Fatalf("mismatches = %d", pt.mismatches[0])
	}
}

func TestVerifyFinishes(t *testing.T) {
	finished := false
	pt := newPieceTable(2, 1, func() { finished = true })
	a, _ := pt.claim(context.Background(), all)
	b, _ := pt.claim(context.Background(), all)
	pt.verify(a)
	if finished {
		t.Fatal("finished early")
	}
	if done := pt.verify(b); done != 2 || !finished {
		t.Fatalf("done = %d, finished = %v", done, finished)
	}
	if _, err := pt.claim(context.Background(), all); !errors.Is(err, errFinished) {
		t.Fatalf("expected errFinished, got %v", err)
	}
}
