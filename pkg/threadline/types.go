// Copyright 2024-2026 Aiku AI

// Package threadline implements the client layer for the Threadline direct
// messaging service: the wire types, the error taxonomy, a Client interface
// consumed by the bridge engine, a reference HTTP implementation, and a
// rate-limited facade that every engine component goes through.
package threadline

import (
	"encoding/json"
	"time"
)

// Credentials is the input to Login. SessionBlob, when set, restores a
// previously saved session instead of performing a fresh username/password
// login.
type Credentials struct {
	Username    string          `json:"username"`
	Password    string          `json:"password,omitempty"`
	SessionBlob json.RawMessage `json:"session_blob,omitempty"`
}

// Session is an authenticated Threadline session. The Blob is opaque to the
// engine and persisted as-is so the session can be restored after a restart.
type Session struct {
	UserPK   int64           `json:"user_pk"`
	Username string          `json:"username"`
	Blob     json.RawMessage `json:"blob"`
}

// Profile is a Threadline user's public profile.
type Profile struct {
	PK         int64  `json:"pk"`
	Username   string `json:"username"`
	FullName   string `json:"full_name"`
	AvatarURL  string `json:"avatar_url"`
	AvatarETag string `json:"avatar_etag"`
}

// ThreadType distinguishes 1:1 threads from group threads.
type ThreadType string

const (
	ThreadTypeDirect ThreadType = "direct"
	ThreadTypeGroup  ThreadType = "group"
)

// Thread is a Threadline conversation thread.
type Thread struct {
	ID           string     `json:"id"`
	Type         ThreadType `json:"type"`
	Title        string     `json:"title"`
	AvatarURL    string     `json:"avatar_url"`
	Participants []Profile  `json:"participants"`
	LastSeq      int64      `json:"last_seq"`
	LastActivity time.Time  `json:"last_activity"`
}

// ThreadPage is one page of the thread list.
type ThreadPage struct {
	Threads []*Thread `json:"threads"`
	Cursor  string    `json:"cursor"`
	HasMore bool      `json:"has_more"`
}

// Message is a single thread item. Seq is the thread-scoped sequence number
// assigned by the server. ClientContext echoes the token the sender attached
// when sending, which is how the engine recognizes its own messages coming
// back over the event stream.
type Message struct {
	ItemID        string    `json:"item_id"`
	ThreadID      string    `json:"thread_id"`
	Sender        int64     `json:"sender"`
	Seq           int64     `json:"seq"`
	Timestamp     time.Time `json:"timestamp"`
	Text          string    `json:"text"`
	ClientContext string    `json:"client_context,omitempty"`
	ReplyToItemID string    `json:"reply_to_item_id,omitempty"`
}

// MessagePage is one page of thread history, ordered newest to oldest as the
// server returns it. Cursor points at the page of older messages.
type MessagePage struct {
	Messages []*Message `json:"messages"`
	Cursor   string     `json:"cursor"`
	HasMore  bool       `json:"has_more"`
}

// Event is the closed set of things the event stream can deliver. The
// variants below are the only implementations; the engine switches over them
// exhaustively.
type Event interface {
	isEvent()
}

// MessageEvent is a new message in a thread.
type MessageEvent struct {
	Message
}

// ReactionEvent is a reaction placed on a thread item. A new reaction from
// the same sender on the same item replaces any previous one.
type ReactionEvent struct {
	ThreadID string
	ItemID   string
	Sender   int64
	Seq      int64
	Emoji    string
}

// ReactionRemoveEvent is a reaction withdrawn from a thread item.
type ReactionRemoveEvent struct {
	ThreadID string
	ItemID   string
	Sender   int64
	Seq      int64
}

// ItemRemoveEvent is a message unsent by its author.
type ItemRemoveEvent struct {
	ThreadID string
	ItemID   string
	Sender   int64
	Seq      int64
}

// TypingEvent is a typing state change in a thread.
type TypingEvent struct {
	ThreadID string
	Sender   int64
	Active   bool
}

// ReceiptEvent marks a thread read up to an item.
type ReceiptEvent struct {
	ThreadID string
	ItemID   string
	Sender   int64
}

// PresenceEvent is a user presence change. Not tied to a thread.
type PresenceEvent struct {
	Sender   int64
	Online   bool
	LastSeen time.Time
}

// MembershipEvent is a participant joining or leaving a thread.
type MembershipEvent struct {
	ThreadID string
	UserPK   int64
	Seq      int64
	Joined   bool
}

// ThreadRemoveEvent is a thread deleted on the Threadline side.
type ThreadRemoveEvent struct {
	ThreadID string
	Seq      int64
}

func (MessageEvent) isEvent()        {}
func (ReactionEvent) isEvent()       {}
func (ReactionRemoveEvent) isEvent() {}
func (ItemRemoveEvent) isEvent()     {}
func (TypingEvent) isEvent()         {}
func (ReceiptEvent) isEvent()        {}
func (PresenceEvent) isEvent()       {}
func (MembershipEvent) isEvent()     {}
func (ThreadRemoveEvent) isEvent()   {}
