// Copyright 2024-2026 Aiku AI

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

// ConnectionStatus is the persisted state of an account's remote session.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusRateLimited  ConnectionStatus = "rate_limited"
	StatusBadCreds     ConnectionStatus = "invalid_credentials"
)

// Account is a logged-in Threadline session owned by one Matrix user.
type Account struct {
	qh *dbutil.QueryHelper[*Account]

	MXID       id.UserID
	UserPK     int64
	Session    json.RawMessage
	Status     ConnectionStatus
	SeqCursor  int64
	NoticeRoom id.RoomID
}

func newAccount(qh *dbutil.QueryHelper[*Account]) *Account {
	return &Account{qh: qh}
}

const (
	getAccountBaseQuery = `
		SELECT mxid, user_pk, session, status, seq_cursor, notice_room FROM account
	`
	insertAccountQuery = `
		INSERT INTO account (mxid, user_pk, session, status, seq_cursor, notice_room)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	updateAccountQuery = `
		UPDATE account SET user_pk=$2, session=$3, status=$4, seq_cursor=$5, notice_room=$6
		WHERE mxid=$1
	`
	deleteAccountQuery = `DELETE FROM account WHERE mxid=$1`
)

func (a *Account) Scan(row dbutil.Scannable) (*Account, error) {
	var session sql.NullString
	err := row.Scan(&a.MXID, &a.UserPK, &session, &a.Status, &a.SeqCursor, &a.NoticeRoom)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if session.Valid {
		a.Session = json.RawMessage(session.String)
	}
	return a, nil
}

func (a *Account) sqlVariables() []any {
	var session *string
	if len(a.Session) > 0 {
		session = dbutil.StrPtr(string(a.Session))
	}
	return []any{a.MXID, a.UserPK, session, a.Status, a.SeqCursor, a.NoticeRoom}
}

// Insert stores a new account row.
func (a *Account) Insert(ctx context.Context) error {
	return a.qh.Exec(ctx, insertAccountQuery, a.sqlVariables()...)
}

// Update writes all mutable columns back.
func (a *Account) Update(ctx context.Context) error {
	return a.qh.Exec(ctx, updateAccountQuery, a.sqlVariables()...)
}

// Delete removes the account row. Portals and mappings are left in place for
// history integrity.
func (a *Account) Delete(ctx context.Context) error {
	return a.qh.Exec(ctx, deleteAccountQuery, a.MXID)
}

// AccountQuery provides lookups on the account table.
type AccountQuery struct {
	*dbutil.QueryHelper[*Account]
}

func (aq *AccountQuery) GetByMXID(ctx context.Context, mxid id.UserID) (*Account, error) {
	return aq.QueryOne(ctx, getAccountBaseQuery+`WHERE mxid=$1`, mxid)
}

func (aq *AccountQuery) GetByUserPK(ctx context.Context, pk int64) (*Account, error) {
	return aq.QueryOne(ctx, getAccountBaseQuery+`WHERE user_pk=$1`, pk)
}

func (aq *AccountQuery) GetAll(ctx context.Context) ([]*Account, error) {
	return aq.QueryMany(ctx, getAccountBaseQuery)
}
