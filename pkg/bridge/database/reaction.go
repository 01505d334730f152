// Copyright 2024-2026 Aiku AI

package database

import (
	"context"
	"database/sql"
	"errors"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

// Reaction maps one (item, sender) pair to the Matrix reaction event
// currently representing it. A new reaction from the same sender on the same
// item supersedes the old row in place.
type Reaction struct {
	qh *dbutil.QueryHelper[*Reaction]

	MXID     id.EventID
	RoomID   id.RoomID
	ThreadID string
	Receiver int64
	ItemID   string
	Sender   int64
	Emoji    string
}

func newReaction(qh *dbutil.QueryHelper[*Reaction]) *Reaction {
	return &Reaction{qh: qh}
}

const (
	getReactionBaseQuery = `
		SELECT mxid, mx_room, thread_id, receiver, item_id, sender, emoji FROM reaction
	`
	upsertReactionQuery = `
		INSERT INTO reaction (mxid, mx_room, thread_id, receiver, item_id, sender, emoji)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (thread_id, receiver, item_id, sender)
		DO UPDATE SET mxid=excluded.mxid, mx_room=excluded.mx_room, emoji=excluded.emoji
	`
	deleteReactionQuery = `
		DELETE FROM reaction WHERE thread_id=$1 AND receiver=$2 AND item_id=$3 AND sender=$4
	`
)

func (r *Reaction) Scan(row dbutil.Scannable) (*Reaction, error) {
	err := row.Scan(&r.MXID, &r.RoomID, &r.ThreadID, &r.Receiver, &r.ItemID, &r.Sender, &r.Emoji)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return r, nil
}

// Upsert inserts the mapping or replaces the previous reaction from the same
// sender on the same item.
func (r *Reaction) Upsert(ctx context.Context) error {
	return r.qh.Exec(ctx, upsertReactionQuery, r.MXID, r.RoomID, r.ThreadID, r.Receiver, r.ItemID, r.Sender, r.Emoji)
}

func (r *Reaction) Delete(ctx context.Context) error {
	return r.qh.Exec(ctx, deleteReactionQuery, r.ThreadID, r.Receiver, r.ItemID, r.Sender)
}

// ReactionQuery provides lookups on the reaction mapping table.
type ReactionQuery struct {
	*dbutil.QueryHelper[*Reaction]
}

func (rq *ReactionQuery) GetByItemAndSender(ctx context.Context, key PortalKey, itemID string, sender int64) (*Reaction, error) {
	return rq.QueryOne(
		ctx,
		getReactionBaseQuery+`WHERE thread_id=$1 AND receiver=$2 AND item_id=$3 AND sender=$4`,
		key.ThreadID, key.Receiver, itemID, sender,
	)
}

func (rq *ReactionQuery) GetByMXID(ctx context.Context, mxid id.EventID, roomID id.RoomID) (*Reaction, error) {
	return rq.QueryOne(ctx, getReactionBaseQuery+`WHERE mxid=$1 AND mx_room=$2`, mxid, roomID)
}

func (rq *ReactionQuery) GetAllForItem(ctx context.Context, key PortalKey, itemID string) ([]*Reaction, error) {
	return rq.QueryMany(
		ctx,
		getReactionBaseQuery+`WHERE thread_id=$1 AND receiver=$2 AND item_id=$3`,
		key.ThreadID, key.Receiver, itemID,
	)
}
