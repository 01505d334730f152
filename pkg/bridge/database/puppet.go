// Copyright 2024-2026 Aiku AI

package database

import (
	"context"
	"database/sql"
	"errors"

	"go.mau.fi/util/dbutil"
)

// Puppet is the persisted ghost metadata for one Threadline user. Rows are
// created lazily on first reference and never deleted.
type Puppet struct {
	qh *dbutil.QueryHelper[*Puppet]

	PK          int64
	Username    string
	Displayname string
	AvatarURL   string
	AvatarETag  string
	NameSet     bool
	AvatarSet   bool
	IsRelay     bool
}

func newPuppet(qh *dbutil.QueryHelper[*Puppet]) *Puppet {
	return &Puppet{qh: qh}
}

const (
	getPuppetBaseQuery = `
		SELECT pk, username, displayname, avatar_url, avatar_etag, name_set, avatar_set, is_relay
		FROM puppet
	`
	insertPuppetQuery = `
		INSERT INTO puppet (pk, username, displayname, avatar_url, avatar_etag, name_set, avatar_set, is_relay)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	updatePuppetQuery = `
		UPDATE puppet
		SET username=$2, displayname=$3, avatar_url=$4, avatar_etag=$5, name_set=$6, avatar_set=$7, is_relay=$8
		WHERE pk=$1
	`
)

func (p *Puppet) Scan(row dbutil.Scannable) (*Puppet, error) {
	err := row.Scan(&p.PK, &p.Username, &p.Displayname, &p.AvatarURL, &p.AvatarETag, &p.NameSet, &p.AvatarSet, &p.IsRelay)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Puppet) sqlVariables() []any {
	return []any{p.PK, p.Username, p.Displayname, p.AvatarURL, p.AvatarETag, p.NameSet, p.AvatarSet, p.IsRelay}
}

func (p *Puppet) Insert(ctx context.Context) error {
	return p.qh.Exec(ctx, insertPuppetQuery, p.sqlVariables()...)
}

func (p *Puppet) Update(ctx context.Context) error {
	return p.qh.Exec(ctx, updatePuppetQuery, p.sqlVariables()...)
}

// PuppetQuery provides lookups on the puppet table.
type PuppetQuery struct {
	*dbutil.QueryHelper[*Puppet]
}

func (pq *PuppetQuery) Get(ctx context.Context, pk int64) (*Puppet, error) {
	return pq.QueryOne(ctx, getPuppetBaseQuery+`WHERE pk=$1`, pk)
}

func (pq *PuppetQuery) GetAll(ctx context.Context) ([]*Puppet, error) {
	return pq.QueryMany(ctx, getPuppetBaseQuery)
}
