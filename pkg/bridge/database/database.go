// Copyright 2024-2026 Aiku AI

// Package database contains the bridge's persistent state: remote accounts,
// ghost puppets, portal bindings, and the message/reaction mappings that
// deduplicate cross-network events.
package database

import (
	"strconv"

	"go.mau.fi/util/dbutil"

	"github.com/aiku/mautrix-threadline/pkg/bridge/database/upgrades"
)

// Database wraps a dbutil.Database with typed query helpers for each table.
type Database struct {
	*dbutil.Database

	Account  *AccountQuery
	Puppet   *PuppetQuery
	Portal   *PortalQuery
	Message  *MessageQuery
	Reaction *ReactionQuery
}

// New wraps db and attaches the bridge schema upgrade table. The caller is
// expected to run Upgrade before using the queries.
func New(db *dbutil.Database) *Database {
	db.UpgradeTable = upgrades.Table
	return &Database{
		Database: db,
		Account:  &AccountQuery{dbutil.MakeQueryHelper(db, newAccount)},
		Puppet:   &PuppetQuery{dbutil.MakeQueryHelper(db, newPuppet)},
		Portal:   &PortalQuery{dbutil.MakeQueryHelper(db, newPortal)},
		Message:  &MessageQuery{dbutil.MakeQueryHelper(db, newMessage)},
		Reaction: &ReactionQuery{dbutil.MakeQueryHelper(db, newReaction)},
	}
}

// PortalKey identifies one portal: a remote thread plus the account it was
// received by. Receiver is 0 for group threads shared across accounts.
type PortalKey struct {
	ThreadID string
	Receiver int64
}

func (pk PortalKey) String() string {
	if pk.Receiver == 0 {
		return pk.ThreadID
	}
	return pk.ThreadID + "/" + strconv.FormatInt(pk.Receiver, 10)
}
