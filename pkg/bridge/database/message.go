// Copyright 2024-2026 Aiku AI

package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

// Message is one bidirectional event-ID mapping: a Matrix event and the
// Threadline item it was bridged from or to. Rows are immutable once written
// except for deletion when the item is unsent.
type Message struct {
	qh *dbutil.QueryHelper[*Message]

	MXID     id.EventID
	RoomID   id.RoomID
	ThreadID string
	Receiver int64
	ItemID   string
	Sender   int64
	Seq      int64
	// ClientContext is the idempotency token attached to Matrix-originated
	// sends, used to recognize the echo on the event stream. Empty for
	// remote-originated messages.
	ClientContext string
	Timestamp     time.Time
}

func newMessage(qh *dbutil.QueryHelper[*Message]) *Message {
	return &Message{qh: qh}
}

// PortalKey returns the key of the portal this mapping belongs to.
func (m *Message) PortalKey() PortalKey {
	return PortalKey{ThreadID: m.ThreadID, Receiver: m.Receiver}
}

const (
	getMessageBaseQuery = `
		SELECT mxid, mx_room, thread_id, receiver, item_id, sender, seq, timestamp_ms, client_context
		FROM message
	`
	insertMessageQuery = `
		INSERT INTO message (mxid, mx_room, thread_id, receiver, item_id, sender, seq, timestamp_ms, client_context)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	deleteMessageQuery       = `DELETE FROM message WHERE thread_id=$1 AND receiver=$2 AND item_id=$3`
	deleteAllInRoomQuery     = `DELETE FROM message WHERE mx_room=$1`
	countMessagesInRoomQuery = `SELECT COUNT(*) FROM message WHERE mx_room=$1`
)

func (m *Message) Scan(row dbutil.Scannable) (*Message, error) {
	var timestampMS int64
	err := row.Scan(&m.MXID, &m.RoomID, &m.ThreadID, &m.Receiver, &m.ItemID, &m.Sender, &m.Seq, &timestampMS, &m.ClientContext)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	m.Timestamp = time.UnixMilli(timestampMS)
	return m, nil
}

func (m *Message) sqlVariables() []any {
	return []any{m.MXID, m.RoomID, m.ThreadID, m.Receiver, m.ItemID, m.Sender, m.Seq, m.Timestamp.UnixMilli(), m.ClientContext}
}

func (m *Message) Insert(ctx context.Context) error {
	return m.qh.Exec(ctx, insertMessageQuery, m.sqlVariables()...)
}

func (m *Message) Delete(ctx context.Context) error {
	return m.qh.Exec(ctx, deleteMessageQuery, m.ThreadID, m.Receiver, m.ItemID)
}

// MessageQuery provides lookups on the message mapping table.
type MessageQuery struct {
	*dbutil.QueryHelper[*Message]
}

func (mq *MessageQuery) GetByItemID(ctx context.Context, key PortalKey, itemID string) (*Message, error) {
	return mq.QueryOne(ctx, getMessageBaseQuery+`WHERE thread_id=$1 AND receiver=$2 AND item_id=$3`, key.ThreadID, key.Receiver, itemID)
}

func (mq *MessageQuery) GetByMXID(ctx context.Context, mxid id.EventID, roomID id.RoomID) (*Message, error) {
	return mq.QueryOne(ctx, getMessageBaseQuery+`WHERE mxid=$1 AND mx_room=$2`, mxid, roomID)
}

// GetByClientContext finds a Matrix-originated mapping by its idempotency
// token.
func (mq *MessageQuery) GetByClientContext(ctx context.Context, key PortalKey, clientContext string) (*Message, error) {
	return mq.QueryOne(
		ctx,
		getMessageBaseQuery+`WHERE thread_id=$1 AND receiver=$2 AND client_context=$3`,
		key.ThreadID, key.Receiver, clientContext,
	)
}

// DeleteAllInRoom drops every mapping for a room. Used when a room is
// deleted out from under its portal.
func (mq *MessageQuery) DeleteAllInRoom(ctx context.Context, roomID id.RoomID) error {
	return mq.Exec(ctx, deleteAllInRoomQuery, roomID)
}

// CountInRoom reports the number of mappings in a room.
func (mq *MessageQuery) CountInRoom(ctx context.Context, roomID id.RoomID) (count int, err error) {
	err = mq.GetDB().QueryRow(ctx, countMessagesInRoomQuery, roomID).Scan(&count)
	return
}
