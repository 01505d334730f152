// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/mautrix-threadline/pkg/bridge/database"
	"github.com/aiku/mautrix-threadline/pkg/threadline"
)

// User is one bridged account: a Matrix user plus their Threadline session.
// The supervisor task owns the connection lifecycle; everything else reads
// the session through Session and never mutates it.
type User struct {
	*database.Account
	bridge *Bridge
	log    zerolog.Logger

	// Client is the rate-limited facade every remote call for this account
	// goes through. The bucket is per-account, shared between live handling
	// and backfill.
	Client *threadline.LimitedClient

	sessLock sync.Mutex
	session  *threadline.Session

	connLock  sync.Mutex
	stopConn  context.CancelFunc
	connected atomic.Bool

	cursorLock    sync.Mutex
	cursorDirty   bool
	lastCursorSet time.Time
}

// seqCursorFlushInterval throttles seq cursor writes while events flow.
const seqCursorFlushInterval = 15 * time.Second

func (br *Bridge) newUser(dbAccount *database.Account) *User {
	tc := br.Config.Threadline
	user := &User{
		Account: dbAccount,
		bridge:  br,
		log:     br.Log.With().Str("component", "user").Str("user_mxid", dbAccount.MXID.String()).Logger(),
		Client: threadline.NewLimitedClient(br.Remote, threadline.Limits{
			PerSecond:   tc.RatelimitPerSecond,
			Burst:       tc.RatelimitBurst,
			CallTimeout: tc.CallTimeout(),
		}),
	}
	if len(dbAccount.Session) > 0 {
		var sess threadline.Session
		if err := json.Unmarshal(dbAccount.Session, &sess); err != nil {
			user.log.Error().Err(err).Msg("Failed to decode stored session, treating account as logged out")
		} else {
			user.session = &sess
		}
	}
	return user
}

// Session returns the account's current remote session, or nil when logged
// out.
func (user *User) Session() *threadline.Session {
	user.sessLock.Lock()
	defer user.sessLock.Unlock()
	return user.session
}

// IsLoggedIn reports whether the account has a usable session.
func (user *User) IsLoggedIn() bool {
	return user.Session() != nil
}

// IsConnected reports whether the event stream is currently up.
func (user *User) IsConnected() bool {
	return user.connected.Load()
}

// Login performs a fresh credential login, persists the session, and starts
// the supervisor.
func (user *User) Login(ctx context.Context, cred threadline.Credentials) error {
	sess, err := user.Client.Login(ctx, cred)
	if err != nil {
		return err
	}
	if err = user.setSession(ctx, sess); err != nil {
		return err
	}
	user.bridge.registerUserPK(user)
	user.log.Info().Int64("user_pk", sess.UserPK).Msg("Logged in to Threadline")
	user.Connect()
	return nil
}

// Relogin restores the stored session blob through a session login. Used by
// the admin API after credentials recover.
func (user *User) Relogin(ctx context.Context) error {
	sess := user.Session()
	if sess == nil {
		return fmt.Errorf("no stored session to restore")
	}
	fresh, err := user.Client.Login(ctx, threadline.Credentials{
		Username:    sess.Username,
		SessionBlob: sess.Blob,
	})
	if err != nil {
		return err
	}
	if err = user.setSession(ctx, fresh); err != nil {
		return err
	}
	user.Disconnect()
	user.Connect()
	return nil
}

// Logout tears the session down on both sides. The account row survives so
// portals keep their receiver.
func (user *User) Logout(ctx context.Context) error {
	user.Disconnect()
	if sess := user.Session(); sess != nil {
		if err := user.Client.Logout(ctx, sess); err != nil {
			user.log.Warn().Err(err).Msg("Remote logout failed, clearing session anyway")
		}
	}
	user.sessLock.Lock()
	user.session = nil
	user.Account.Session = nil
	user.sessLock.Unlock()
	user.Status = database.StatusDisconnected
	return user.Update(ctx)
}

func (user *User) setSession(ctx context.Context, sess *threadline.Session) error {
	blob, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	user.sessLock.Lock()
	user.session = sess
	user.Account.Session = blob
	user.UserPK = sess.UserPK
	user.sessLock.Unlock()
	return user.Update(ctx)
}

// Connect starts the supervisor task if it isn't already running.
func (user *User) Connect() {
	user.connLock.Lock()
	defer user.connLock.Unlock()
	if user.stopConn != nil {
		return
	}
	ctx, cancel := context.WithCancel(user.bridge.bgCtx)
	user.stopConn = cancel
	go user.connectLoop(ctx)
}

// Disconnect stops the supervisor task and waits for nothing: the loop
// notices cancellation at its next blocking point.
func (user *User) Disconnect() {
	user.connLock.Lock()
	defer user.connLock.Unlock()
	if user.stopConn != nil {
		user.stopConn()
		user.stopConn = nil
	}
	user.connected.Store(false)
}

// connectLoop is the supervisor: connect, reconcile, pump events, and on
// stream death reconnect with jittered exponential backoff. Auth failure is
// terminal; the loop exits and waits for a relogin.
func (user *User) connectLoop(ctx context.Context) {
	minBackoff, maxBackoff := user.bridge.Config.Threadline.ReconnectBackoffBounds()
	backoff := minBackoff
	for {
		if !user.IsLoggedIn() {
			user.log.Debug().Msg("Supervisor exiting, account logged out")
			return
		}
		user.setStatus(ctx, database.StatusConnecting)
		stream, err := user.Client.Connect(ctx, user.Session())
		if err != nil {
			if errors.Is(err, threadline.ErrAuthInvalid) {
				user.handleAuthFailure(ctx)
				return
			}
			wait := backoff
			if retryAfter, limited := threadline.IsRateLimited(err); limited {
				user.setStatus(ctx, database.StatusRateLimited)
				if retryAfter > wait {
					wait = retryAfter
				}
			} else {
				user.setStatus(ctx, database.StatusDisconnected)
			}
			user.log.Warn().Err(err).Dur("wait", wait).Msg("Failed to connect, retrying")
			if !sleepCtx(ctx, jitter(wait)) {
				return
			}
			if backoff < maxBackoff {
				backoff = minDur(backoff*2, maxBackoff)
			}
			continue
		}

		user.connected.Store(true)
		user.setStatus(ctx, database.StatusConnected)
		user.log.Info().Msg("Connected to Threadline event stream")
		go user.reconcile(ctx)

		for evt := range stream.Events() {
			// Receiving anything proves the connection is healthy.
			backoff = minBackoff
			user.handleRemoteEvent(ctx, evt)
		}
		stream.Close()
		user.connected.Store(false)
		user.flushSeqCursor(ctx, true)

		err = stream.Err()
		if ctx.Err() != nil {
			user.setStatus(ctx, database.StatusDisconnected)
			return
		}
		if errors.Is(err, threadline.ErrAuthInvalid) {
			user.handleAuthFailure(ctx)
			return
		}
		user.setStatus(ctx, database.StatusDisconnected)
		user.log.Warn().Err(err).Dur("wait", backoff).Msg("Event stream died, reconnecting")
		if !sleepCtx(ctx, jitter(backoff)) {
			return
		}
		if backoff < maxBackoff {
			backoff = minDur(backoff*2, maxBackoff)
		}
	}
}

func (user *User) handleAuthFailure(ctx context.Context) {
	user.log.Error().Msg("Session rejected by Threadline, stopping supervisor")
	user.setStatus(ctx, database.StatusBadCreds)
	user.bridge.notifyUser(ctx, user,
		"⚠️ Your Threadline session was invalidated. Log in again to resume bridging.")
}

// handleRemoteEvent routes one stream event to its portal and advances the
// account's seq cursor.
func (user *User) handleRemoteEvent(ctx context.Context, evt threadline.Event) {
	if pres, ok := evt.(threadline.PresenceEvent); ok {
		user.log.Trace().Int64("sender", pres.Sender).Bool("online", pres.Online).Msg("Ignoring presence event")
		return
	}
	threadID := remoteEventThreadID(evt)
	if threadID == "" {
		return
	}
	portal, err := user.bridge.GetPortalByThread(ctx, user, threadID)
	if err != nil {
		user.log.Error().Err(err).Str("thread_id", threadID).Msg("Failed to resolve portal for remote event")
		return
	}
	portal.QueueRemoteEvent(user, evt)
	if seq := remoteEventSeq(evt); seq > user.SeqCursor {
		user.cursorLock.Lock()
		user.SeqCursor = seq
		user.cursorDirty = true
		user.cursorLock.Unlock()
		user.flushSeqCursor(ctx, false)
	}
}

func remoteEventThreadID(evt threadline.Event) string {
	switch evt := evt.(type) {
	case threadline.MessageEvent:
		return evt.ThreadID
	case threadline.ReactionEvent:
		return evt.ThreadID
	case threadline.ReactionRemoveEvent:
		return evt.ThreadID
	case threadline.ItemRemoveEvent:
		return evt.ThreadID
	case threadline.TypingEvent:
		return evt.ThreadID
	case threadline.ReceiptEvent:
		return evt.ThreadID
	case threadline.MembershipEvent:
		return evt.ThreadID
	case threadline.ThreadRemoveEvent:
		return evt.ThreadID
	default:
		return ""
	}
}

func (user *User) flushSeqCursor(ctx context.Context, force bool) {
	user.cursorLock.Lock()
	if !user.cursorDirty || (!force && time.Since(user.lastCursorSet) < seqCursorFlushInterval) {
		user.cursorLock.Unlock()
		return
	}
	user.cursorDirty = false
	user.lastCursorSet = time.Now()
	user.cursorLock.Unlock()
	if err := user.Update(ctx); err != nil {
		user.log.Warn().Err(err).Msg("Failed to persist seq cursor")
	}
}

// reconcile walks the remote thread list after a (re)connect, creating
// missing portals and kicking catch-up on stale ones. The gap between the
// stored cursor and the remote state is closed by per-thread backfill, not
// by replaying the stream.
func (user *User) reconcile(ctx context.Context) {
	user.log.Debug().Msg("Starting thread reconciliation")
	createBudget := user.bridge.Config.Bridge.SyncCreateLimit
	cursor := ""
	pages := 0
	for {
		page, err := user.Client.FetchThreads(ctx, user.Session(), cursor, 20)
		if err != nil {
			if ctx.Err() == nil {
				user.log.Warn().Err(err).Msg("Thread reconciliation aborted")
			}
			return
		}
		for _, thread := range page.Threads {
			portal, err := user.bridge.GetPortalByThread(ctx, user, thread.ID)
			if err != nil {
				user.log.Error().Err(err).Str("thread_id", thread.ID).Msg("Failed to resolve portal during reconciliation")
				continue
			}
			createRoom := false
			if portal.MXID == "" && createBudget != 0 {
				createRoom = true
				createBudget--
			}
			portal.QueueSync(user, thread, createRoom)
		}
		pages++
		if !page.HasMore || page.Cursor == "" || pages >= 25 {
			break
		}
		cursor = page.Cursor
	}
	user.log.Debug().Int("pages", pages).Msg("Thread reconciliation finished")
}

func (user *User) setStatus(ctx context.Context, status database.ConnectionStatus) {
	if user.Status == status {
		return
	}
	user.Status = status
	if err := user.Update(ctx); err != nil {
		user.log.Warn().Err(err).Str("status", string(status)).Msg("Failed to persist connection status")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// jitter spreads reconnects out to ±25% so accounts don't thundering-herd
// the server after an outage.
func jitter(d time.Duration) time.Duration {
	f := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * f)
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
