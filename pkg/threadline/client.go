// Copyright 2024-2026 Aiku AI

package threadline

import "context"

// EventStream is one long-lived subscription to an account's events. The
// channel is closed when the stream dies; Err then reports why. Close is
// idempotent.
type EventStream interface {
	Events() <-chan Event
	Err() error
	Close()
}

// Client is the Threadline API surface the bridge engine consumes. Every
// call may fail with ErrAuthInvalid, ErrNotFound, *RateLimitedError or
// *NetworkError; anything else is treated as fatal by callers.
type Client interface {
	Login(ctx context.Context, cred Credentials) (*Session, error)
	Logout(ctx context.Context, sess *Session) error
	Connect(ctx context.Context, sess *Session) (EventStream, error)

	FetchThreads(ctx context.Context, sess *Session, cursor string, limit int) (*ThreadPage, error)
	FetchThread(ctx context.Context, sess *Session, threadID string) (*Thread, error)
	FetchMessages(ctx context.Context, sess *Session, threadID, cursor string, limit int) (*MessagePage, error)
	FetchProfile(ctx context.Context, sess *Session, pk int64) (*Profile, error)

	SendText(ctx context.Context, sess *Session, threadID, clientContext, text string) (*Message, error)
	SendReaction(ctx context.Context, sess *Session, threadID, itemID, emoji string) error
	RemoveReaction(ctx context.Context, sess *Session, threadID, itemID string) error
	UnsendMessage(ctx context.Context, sess *Session, threadID, itemID string) error
	MarkRead(ctx context.Context, sess *Session, threadID, itemID string) error
	SetTyping(ctx context.Context, sess *Session, threadID string, active bool) error
}
