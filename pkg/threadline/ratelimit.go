// Copyright 2024-2026 Aiku AI

package threadline

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Priority selects which queue a call joins in the shared per-account token
// bucket. Backfill calls yield to pending live calls.
type Priority int

const (
	PriorityLive Priority = iota
	PriorityBackfill
)

// Limits configures the per-account facade.
type Limits struct {
	// PerSecond is the sustained request rate shared by all callers on the
	// account. Zero disables limiting.
	PerSecond float64
	// Burst is the bucket size. Defaults to 1 when PerSecond is set.
	Burst int
	// CallTimeout bounds every remote call. A call exceeding it fails with a
	// NetworkError wrapping context.DeadlineExceeded. Zero disables it.
	CallTimeout time.Duration
}

// backfillYieldInterval is how often a waiting backfill call re-checks for
// pending live calls.
const backfillYieldInterval = 25 * time.Millisecond

// LimitedClient wraps a Client behind a token bucket shared by live event
// handling and backfill, with live calls taking priority, and applies a
// per-call timeout. Methods called directly run at live priority; the view
// returned by Backfill runs at backfill priority.
type LimitedClient struct {
	inner       Client
	limiter     *rate.Limiter
	timeout     time.Duration
	liveWaiting atomic.Int32
}

var _ Client = (*LimitedClient)(nil)

// NewLimitedClient wraps inner with the given limits.
func NewLimitedClient(inner Client, limits Limits) *LimitedClient {
	var limiter *rate.Limiter
	if limits.PerSecond > 0 {
		burst := limits.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(limits.PerSecond), burst)
	}
	return &LimitedClient{
		inner:   inner,
		limiter: limiter,
		timeout: limits.CallTimeout,
	}
}

// Backfill returns a view of the same client and bucket that runs every call
// at backfill priority.
func (lc *LimitedClient) Backfill() Client {
	return &backfillClient{lc: lc}
}

func (lc *LimitedClient) do(ctx context.Context, pri Priority, call func(ctx context.Context) error) error {
	if pri == PriorityLive {
		lc.liveWaiting.Add(1)
		defer lc.liveWaiting.Add(-1)
	} else {
		// Yield the token slot while any live call is waiting for one.
		for lc.liveWaiting.Load() > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backfillYieldInterval):
			}
		}
	}
	if lc.limiter != nil {
		if err := lc.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if lc.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, lc.timeout)
		defer cancel()
	}
	err := call(ctx)
	if err != nil && ctx.Err() != nil && !IsTransient(err) {
		err = &NetworkError{Err: fmt.Errorf("call aborted: %w", ctx.Err())}
	}
	return err
}

func (lc *LimitedClient) Login(ctx context.Context, cred Credentials) (sess *Session, err error) {
	err = lc.do(ctx, PriorityLive, func(ctx context.Context) (cerr error) {
		sess, cerr = lc.inner.Login(ctx, cred)
		return
	})
	return
}

func (lc *LimitedClient) Logout(ctx context.Context, sess *Session) error {
	return lc.do(ctx, PriorityLive, func(ctx context.Context) error {
		return lc.inner.Logout(ctx, sess)
	})
}

// Connect is not throttled or deadline-bounded: the stream outlives any call
// timeout, and reconnect pacing is the session supervisor's job.
func (lc *LimitedClient) Connect(ctx context.Context, sess *Session) (EventStream, error) {
	return lc.inner.Connect(ctx, sess)
}

func (lc *LimitedClient) FetchThreads(ctx context.Context, sess *Session, cursor string, limit int) (page *ThreadPage, err error) {
	err = lc.do(ctx, PriorityLive, func(ctx context.Context) (cerr error) {
		page, cerr = lc.inner.FetchThreads(ctx, sess, cursor, limit)
		return
	})
	return
}

func (lc *LimitedClient) FetchThread(ctx context.Context, sess *Session, threadID string) (thread *Thread, err error) {
	err = lc.do(ctx, PriorityLive, func(ctx context.Context) (cerr error) {
		thread, cerr = lc.inner.FetchThread(ctx, sess, threadID)
		return
	})
	return
}

func (lc *LimitedClient) FetchMessages(ctx context.Context, sess *Session, threadID, cursor string, limit int) (page *MessagePage, err error) {
	err = lc.do(ctx, PriorityLive, func(ctx context.Context) (cerr error) {
		page, cerr = lc.inner.FetchMessages(ctx, sess, threadID, cursor, limit)
		return
	})
	return
}

func (lc *LimitedClient) FetchProfile(ctx context.Context, sess *Session, pk int64) (profile *Profile, err error) {
	err = lc.do(ctx, PriorityLive, func(ctx context.Context) (cerr error) {
		profile, cerr = lc.inner.FetchProfile(ctx, sess, pk)
		return
	})
	return
}

func (lc *LimitedClient) SendText(ctx context.Context, sess *Session, threadID, clientContext, text string) (msg *Message, err error) {
	err = lc.do(ctx, PriorityLive, func(ctx context.Context) (cerr error) {
		msg, cerr = lc.inner.SendText(ctx, sess, threadID, clientContext, text)
		return
	})
	return
}

func (lc *LimitedClient) SendReaction(ctx context.Context, sess *Session, threadID, itemID, emoji string) error {
	return lc.do(ctx, PriorityLive, func(ctx context.Context) error {
		return lc.inner.SendReaction(ctx, sess, threadID, itemID, emoji)
	})
}

func (lc *LimitedClient) RemoveReaction(ctx context.Context, sess *Session, threadID, itemID string) error {
	return lc.do(ctx, PriorityLive, func(ctx context.Context) error {
		return lc.inner.RemoveReaction(ctx, sess, threadID, itemID)
	})
}

func (lc *LimitedClient) UnsendMessage(ctx context.Context, sess *Session, threadID, itemID string) error {
	return lc.do(ctx, PriorityLive, func(ctx context.Context) error {
		return lc.inner.UnsendMessage(ctx, sess, threadID, itemID)
	})
}

func (lc *LimitedClient) MarkRead(ctx context.Context, sess *Session, threadID, itemID string) error {
	return lc.do(ctx, PriorityLive, func(ctx context.Context) error {
		return lc.inner.MarkRead(ctx, sess, threadID, itemID)
	})
}

func (lc *LimitedClient) SetTyping(ctx context.Context, sess *Session, threadID string, active bool) error {
	return lc.do(ctx, PriorityLive, func(ctx context.Context) error {
		return lc.inner.SetTyping(ctx, sess, threadID, active)
	})
}

// backfillClient runs the subset of calls backfill needs at backfill
// priority. The remaining Client methods delegate at live priority; backfill
// never calls them.
type backfillClient struct {
	lc *LimitedClient
}

var _ Client = (*backfillClient)(nil)

func (bc *backfillClient) FetchMessages(ctx context.Context, sess *Session, threadID, cursor string, limit int) (page *MessagePage, err error) {
	err = bc.lc.do(ctx, PriorityBackfill, func(ctx context.Context) (cerr error) {
		page, cerr = bc.lc.inner.FetchMessages(ctx, sess, threadID, cursor, limit)
		return
	})
	return
}

func (bc *backfillClient) FetchThread(ctx context.Context, sess *Session, threadID string) (thread *Thread, err error) {
	err = bc.lc.do(ctx, PriorityBackfill, func(ctx context.Context) (cerr error) {
		thread, cerr = bc.lc.inner.FetchThread(ctx, sess, threadID)
		return
	})
	return
}

func (bc *backfillClient) FetchProfile(ctx context.Context, sess *Session, pk int64) (profile *Profile, err error) {
	err = bc.lc.do(ctx, PriorityBackfill, func(ctx context.Context) (cerr error) {
		profile, cerr = bc.lc.inner.FetchProfile(ctx, sess, pk)
		return
	})
	return
}

func (bc *backfillClient) Login(ctx context.Context, cred Credentials) (*Session, error) {
	return bc.lc.Login(ctx, cred)
}

func (bc *backfillClient) Logout(ctx context.Context, sess *Session) error {
	return bc.lc.Logout(ctx, sess)
}

func (bc *backfillClient) Connect(ctx context.Context, sess *Session) (EventStream, error) {
	return bc.lc.Connect(ctx, sess)
}

func (bc *backfillClient) FetchThreads(ctx context.Context, sess *Session, cursor string, limit int) (*ThreadPage, error) {
	return bc.lc.FetchThreads(ctx, sess, cursor, limit)
}

func (bc *backfillClient) SendText(ctx context.Context, sess *Session, threadID, clientContext, text string) (*Message, error) {
	return bc.lc.SendText(ctx, sess, threadID, clientContext, text)
}

func (bc *backfillClient) SendReaction(ctx context.Context, sess *Session, threadID, itemID, emoji string) error {
	return bc.lc.SendReaction(ctx, sess, threadID, itemID, emoji)
}

func (bc *backfillClient) RemoveReaction(ctx context.Context, sess *Session, threadID, itemID string) error {
	return bc.lc.RemoveReaction(ctx, sess, threadID, itemID)
}

func (bc *backfillClient) UnsendMessage(ctx context.Context, sess *Session, threadID, itemID string) error {
	return bc.lc.UnsendMessage(ctx, sess, threadID, itemID)
}

func (bc *backfillClient) MarkRead(ctx context.Context, sess *Session, threadID, itemID string) error {
	return bc.lc.MarkRead(ctx, sess, threadID, itemID)
}

func (bc *backfillClient) SetTyping(ctx context.Context, sess *Session, threadID string, active bool) error {
	return bc.lc.SetTyping(ctx, sess, threadID, active)
}
