// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MatrixAPI is the home-network transport boundary. The engine drives it for
// every outbound Matrix action; the transport feeds inbound events back
// through Bridge.QueueMatrixEvent. The appservice implementation in this
// package is the production one, tests inject fakes.
type MatrixAPI interface {
	BotMXID() id.UserID
	// GhostMXID returns the Matrix ID of the ghost representing a Threadline
	// user. ParseGhostMXID is its inverse; ok is false for non-ghost IDs.
	GhostMXID(pk int64) id.UserID
	ParseGhostMXID(mxid id.UserID) (pk int64, ok bool)
	// CanDoublePuppet reports whether the transport can send events as the
	// given real Matrix user (i.e. it holds a double-puppet token for them).
	CanDoublePuppet(mxid id.UserID) bool

	CreateRoom(ctx context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error)
	// CleanupRoom kicks all bridge-controlled members out of a room and
	// forgets it. Used when a portal enters the closing state.
	CleanupRoom(ctx context.Context, roomID id.RoomID) error

	SendMessage(ctx context.Context, sender id.UserID, roomID id.RoomID, evtType event.Type, content *event.Content, ts time.Time) (id.EventID, error)
	SendState(ctx context.Context, sender id.UserID, roomID id.RoomID, evtType event.Type, stateKey string, content *event.Content) (id.EventID, error)
	RedactEvent(ctx context.Context, sender id.UserID, roomID id.RoomID, target id.EventID) (id.EventID, error)

	InviteUser(ctx context.Context, roomID id.RoomID, target id.UserID) error
	EnsureJoined(ctx context.Context, roomID id.RoomID, ghost id.UserID) error
	SetGhostProfile(ctx context.Context, ghost id.UserID, displayname string, avatarURL string) error

	SendReceipt(ctx context.Context, sender id.UserID, roomID id.RoomID, target id.EventID) error
	SendTyping(ctx context.Context, sender id.UserID, roomID id.RoomID, timeout time.Duration) error

	// EnsureEncrypted enables encryption in the room. The cryptographic
	// session machinery lives entirely in the transport.
	EnsureEncrypted(ctx context.Context, roomID id.RoomID) error
	// DecryptEvent resolves an encrypted event to its plaintext form. Returns
	// the event unchanged if it isn't encrypted.
	DecryptEvent(ctx context.Context, evt *event.Event) (*event.Event, error)
}
