// Copyright 2024-2026 Aiku AI

package threadline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// stubClient implements the handful of Client methods the limiter tests
// exercise. The embedded interface covers the rest.
type stubClient struct {
	Client
	fetchThread  func(ctx context.Context, threadID string) (*Thread, error)
	sendText     func(ctx context.Context) (*Message, error)
	fetchedPages atomic.Int32
}

func (s *stubClient) FetchThread(ctx context.Context, sess *Session, threadID string) (*Thread, error) {
	return s.fetchThread(ctx, threadID)
}

func (s *stubClient) SendText(ctx context.Context, sess *Session, threadID, clientContext, text string) (*Message, error) {
	return s.sendText(ctx)
}

func (s *stubClient) FetchMessages(ctx context.Context, sess *Session, threadID, cursor string, limit int) (*MessagePage, error) {
	s.fetchedPages.Add(1)
	return &MessagePage{}, nil
}

func TestCallTimeout(t *testing.T) {
	t.Parallel()
	stub := &stubClient{
		fetchThread: func(ctx context.Context, threadID string) (*Thread, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	lc := NewLimitedClient(stub, Limits{CallTimeout: 20 * time.Millisecond})

	_, err := lc.FetchThread(t.Context(), testSession(), "t1")
	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("got %v, want NetworkError", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want wrapped DeadlineExceeded", err)
	}
	if !IsTransient(err) {
		t.Error("timed out call should be transient")
	}
}

func TestBackfillYieldsToLiveCalls(t *testing.T) {
	t.Parallel()
	liveEntered := make(chan struct{})
	liveRelease := make(chan struct{})
	stub := &stubClient{
		sendText: func(ctx context.Context) (*Message, error) {
			close(liveEntered)
			<-liveRelease
			return &Message{ItemID: "i1"}, nil
		},
	}
	lc := NewLimitedClient(stub, Limits{})

	liveDone := make(chan struct{})
	go func() {
		defer close(liveDone)
		if _, err := lc.SendText(context.Background(), testSession(), "t1", "cc", "hi"); err != nil {
			t.Errorf("live send: %v", err)
		}
	}()
	<-liveEntered

	backfillDone := make(chan struct{})
	go func() {
		defer close(backfillDone)
		if _, err := lc.Backfill().FetchMessages(context.Background(), testSession(), "t1", "", 10); err != nil {
			t.Errorf("backfill fetch: %v", err)
		}
	}()

	// The backfill call must not reach the remote while a live call is in
	// flight.
	time.Sleep(100 * time.Millisecond)
	if n := stub.fetchedPages.Load(); n != 0 {
		t.Fatalf("backfill ran %d fetches while a live call was pending", n)
	}

	close(liveRelease)
	<-liveDone
	select {
	case <-backfillDone:
	case <-time.After(5 * time.Second):
		t.Fatal("backfill call never ran after live call finished")
	}
	if n := stub.fetchedPages.Load(); n != 1 {
		t.Errorf("backfill fetches: got %d, want 1", n)
	}
}

func TestLimiterPacesSequentialCalls(t *testing.T) {
	t.Parallel()
	stub := &stubClient{
		fetchThread: func(ctx context.Context, threadID string) (*Thread, error) {
			return &Thread{ID: threadID}, nil
		},
	}
	lc := NewLimitedClient(stub, Limits{PerSecond: 50, Burst: 1})

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := lc.FetchThread(t.Context(), testSession(), "t1"); err != nil {
			t.Fatalf("fetch %d: %v", i, err)
		}
	}
	// Burst 1 at 50/s means the second and third calls wait ~20ms each.
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("three calls finished in %v, limiter not applied", elapsed)
	}
}

func TestBackfillViewSharesBucket(t *testing.T) {
	t.Parallel()
	stub := &stubClient{}
	lc := NewLimitedClient(stub, Limits{PerSecond: 50, Burst: 1})
	bf := lc.Backfill()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := bf.FetchMessages(t.Context(), testSession(), "t1", "", 10); err != nil {
			t.Fatalf("fetch %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("three backfill calls finished in %v, bucket not shared", elapsed)
	}
	if n := stub.fetchedPages.Load(); n != 3 {
		t.Errorf("fetches: got %d, want 3", n)
	}
}
