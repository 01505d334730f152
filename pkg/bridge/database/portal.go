// Copyright 2024-2026 Aiku AI

package database

import (
	"context"
	"database/sql"
	"errors"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-threadline/pkg/threadline"
)

// Portal is the persisted thread↔room binding. MXID is empty until the Matrix
// room is created, and at most one portal may hold any given room ID (the
// portal_mxid_unique constraint backs this up).
type Portal struct {
	qh *dbutil.QueryHelper[*Portal]

	Key         PortalKey
	MXID        id.RoomID
	Type        threadline.ThreadType
	OtherUserPK int64
	Name        string
	AvatarURL   string
	NameSet     bool
	AvatarSet   bool
	Encrypted   bool
	RelayUserID id.UserID

	// LastSeq is the highest remote sequence number bridged for this thread.
	LastSeq int64
	// BackfillCursor is the remote pagination token for the next (older)
	// history page; BackfillOldestTS is the timestamp of the oldest imported
	// message in unix milliseconds. BackfillDone marks history exhausted.
	BackfillCursor   string
	BackfillOldestTS int64
	BackfillDone     bool
}

func newPortal(qh *dbutil.QueryHelper[*Portal]) *Portal {
	return &Portal{qh: qh}
}

const (
	getPortalBaseQuery = `
		SELECT thread_id, receiver, mxid, thread_type, other_user_pk, name, avatar_url,
		       name_set, avatar_set, encrypted, relay_user_id,
		       last_seq, backfill_cursor, backfill_oldest_ts, backfill_done
		FROM portal
	`
	insertPortalQuery = `
		INSERT INTO portal (
			thread_id, receiver, mxid, thread_type, other_user_pk, name, avatar_url,
			name_set, avatar_set, encrypted, relay_user_id,
			last_seq, backfill_cursor, backfill_oldest_ts, backfill_done
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	updatePortalQuery = `
		UPDATE portal SET
			mxid=$3, thread_type=$4, other_user_pk=$5, name=$6, avatar_url=$7,
			name_set=$8, avatar_set=$9, encrypted=$10, relay_user_id=$11,
			last_seq=$12, backfill_cursor=$13, backfill_oldest_ts=$14, backfill_done=$15
		WHERE thread_id=$1 AND receiver=$2
	`
	deletePortalQuery = `DELETE FROM portal WHERE thread_id=$1 AND receiver=$2`
)

func (p *Portal) Scan(row dbutil.Scannable) (*Portal, error) {
	var mxid sql.NullString
	var otherUserPK sql.NullInt64
	err := row.Scan(
		&p.Key.ThreadID, &p.Key.Receiver, &mxid, &p.Type, &otherUserPK, &p.Name, &p.AvatarURL,
		&p.NameSet, &p.AvatarSet, &p.Encrypted, &p.RelayUserID,
		&p.LastSeq, &p.BackfillCursor, &p.BackfillOldestTS, &p.BackfillDone,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	p.MXID = id.RoomID(mxid.String)
	p.OtherUserPK = otherUserPK.Int64
	return p, nil
}

func (p *Portal) sqlVariables() []any {
	var otherUserPK *int64
	if p.OtherUserPK != 0 {
		otherUserPK = &p.OtherUserPK
	}
	return []any{
		p.Key.ThreadID, p.Key.Receiver, dbutil.StrPtr(p.MXID), p.Type, otherUserPK, p.Name, p.AvatarURL,
		p.NameSet, p.AvatarSet, p.Encrypted, p.RelayUserID,
		p.LastSeq, p.BackfillCursor, p.BackfillOldestTS, p.BackfillDone,
	}
}

func (p *Portal) Insert(ctx context.Context) error {
	return p.qh.Exec(ctx, insertPortalQuery, p.sqlVariables()...)
}

func (p *Portal) Update(ctx context.Context) error {
	return p.qh.Exec(ctx, updatePortalQuery, p.sqlVariables()...)
}

// Delete removes the portal row; message and reaction mappings cascade.
func (p *Portal) Delete(ctx context.Context) error {
	return p.qh.Exec(ctx, deletePortalQuery, p.Key.ThreadID, p.Key.Receiver)
}

// PortalQuery provides lookups on the portal table.
type PortalQuery struct {
	*dbutil.QueryHelper[*Portal]
}

func (pq *PortalQuery) GetByKey(ctx context.Context, key PortalKey) (*Portal, error) {
	return pq.QueryOne(ctx, getPortalBaseQuery+`WHERE thread_id=$1 AND receiver=$2`, key.ThreadID, key.Receiver)
}

// GetByThreadID finds a portal for the thread regardless of receiver,
// preferring the shared (receiver=0) row. Used when a group thread is
// referenced by an account that didn't create it.
func (pq *PortalQuery) GetByThreadID(ctx context.Context, threadID string, receiver int64) (*Portal, error) {
	return pq.QueryOne(
		ctx,
		getPortalBaseQuery+`WHERE thread_id=$1 AND (receiver=$2 OR receiver=0) ORDER BY receiver LIMIT 1`,
		threadID, receiver,
	)
}

func (pq *PortalQuery) GetByMXID(ctx context.Context, mxid id.RoomID) (*Portal, error) {
	return pq.QueryOne(ctx, getPortalBaseQuery+`WHERE mxid=$1`, mxid)
}

func (pq *PortalQuery) GetAllWithMXID(ctx context.Context) ([]*Portal, error) {
	return pq.QueryMany(ctx, getPortalBaseQuery+`WHERE mxid IS NOT NULL`)
}

func (pq *PortalQuery) GetAllForReceiver(ctx context.Context, receiver int64) ([]*Portal, error) {
	return pq.QueryMany(ctx, getPortalBaseQuery+`WHERE receiver=$1 OR receiver=0`, receiver)
}

// FindPrivateChatsWith returns all 1:1 portals whose remote side is the
// given user. Used to republish room metadata after a profile change.
func (pq *PortalQuery) FindPrivateChatsWith(ctx context.Context, otherUserPK int64) ([]*Portal, error) {
	return pq.QueryMany(ctx, getPortalBaseQuery+`WHERE other_user_pk=$1 AND mxid IS NOT NULL`, otherUserPK)
}
