// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-threadline/pkg/bridge/database"
	"github.com/aiku/mautrix-threadline/pkg/threadline"
)

// Puppet is the in-memory handle for one ghost identity. Instances are
// shared process-wide through the registry in Bridge and addressed by PK,
// never passed between components.
type Puppet struct {
	*database.Puppet
	bridge *Bridge
	log    zerolog.Logger

	syncLock sync.Mutex
}

func (br *Bridge) newPuppet(dbPuppet *database.Puppet) *Puppet {
	return &Puppet{
		Puppet: dbPuppet,
		bridge: br,
		log:    br.Log.With().Str("component", "puppet").Int64("user_pk", dbPuppet.PK).Logger(),
	}
}

// GetPuppetByPK returns the puppet for a Threadline user, creating the row
// lazily on first reference. Idempotent.
func (br *Bridge) GetPuppetByPK(ctx context.Context, pk int64) (*Puppet, error) {
	if pk == 0 {
		return nil, fmt.Errorf("invalid puppet pk 0")
	}
	br.puppetsLock.Lock()
	defer br.puppetsLock.Unlock()
	if puppet, ok := br.puppets[pk]; ok {
		return puppet, nil
	}
	dbPuppet, err := br.DB.Puppet.Get(ctx, pk)
	if err != nil {
		return nil, fmt.Errorf("failed to get puppet from db: %w", err)
	}
	if dbPuppet == nil {
		dbPuppet = br.DB.Puppet.New()
		dbPuppet.PK = pk
		if err = dbPuppet.Insert(ctx); err != nil {
			return nil, fmt.Errorf("failed to insert new puppet: %w", err)
		}
	}
	puppet := br.newPuppet(dbPuppet)
	br.puppets[pk] = puppet
	return puppet, nil
}

// MXID returns the ghost's Matrix ID.
func (puppet *Puppet) MXID() id.UserID {
	return puppet.bridge.Matrix.GhostMXID(puppet.PK)
}

// IntentFor returns the Matrix ID events from this remote user should be
// sent as. If the remote user is a bridged account owner with double
// puppeting available, their own Matrix ID is used instead of the ghost.
func (puppet *Puppet) IntentFor() id.UserID {
	br := puppet.bridge
	if br.Config.Bridge.AllowDoublePuppet {
		if user := br.GetCachedUserByPK(puppet.PK); user != nil && br.Matrix.CanDoublePuppet(user.MXID) {
			return user.MXID
		}
	}
	return puppet.MXID()
}

// UpdateProfile syncs remote profile data onto the ghost. No-op when nothing
// changed (compared by name and avatar etag, avatars are not re-fetched).
// Fetch/publish errors are logged and swallowed: a stale profile is an
// acceptable degraded state.
func (puppet *Puppet) UpdateProfile(ctx context.Context, profile *threadline.Profile) {
	puppet.syncLock.Lock()
	defer puppet.syncLock.Unlock()

	displayname := puppet.bridge.Config.Bridge.FormatDisplayname(DisplaynameParams{
		Username: profile.Username,
		FullName: profile.FullName,
		PK:       profile.PK,
	})
	nameChanged := displayname != puppet.Displayname || !puppet.NameSet
	avatarChanged := profile.AvatarETag != puppet.AvatarETag || !puppet.AvatarSet
	usernameChanged := profile.Username != puppet.Username
	if !nameChanged && !avatarChanged && !usernameChanged {
		return
	}

	puppet.Username = profile.Username
	if nameChanged || avatarChanged {
		err := puppet.bridge.Matrix.SetGhostProfile(ctx, puppet.MXID(), displayname, profile.AvatarURL)
		if err != nil {
			puppet.log.Warn().Err(err).Msg("Failed to publish ghost profile, keeping stale data")
		} else {
			puppet.Displayname = displayname
			puppet.NameSet = true
			puppet.AvatarURL = profile.AvatarURL
			puppet.AvatarETag = profile.AvatarETag
			puppet.AvatarSet = true
		}
	}
	if err := puppet.Update(ctx); err != nil {
		puppet.log.Warn().Err(err).Msg("Failed to save puppet")
	}
	if nameChanged {
		puppet.republishPrivateChats(ctx)
	}
}

// republishPrivateChats pushes the new displayname into the room name of
// every 1:1 portal with this user.
func (puppet *Puppet) republishPrivateChats(ctx context.Context) {
	portals, err := puppet.bridge.DB.Portal.FindPrivateChatsWith(ctx, puppet.PK)
	if err != nil {
		puppet.log.Warn().Err(err).Msg("Failed to find private chats for republish")
		return
	}
	for _, dbPortal := range portals {
		portal, err := puppet.bridge.GetPortalByKey(ctx, dbPortal.Key)
		if err != nil {
			puppet.log.Warn().Err(err).Str("portal_key", dbPortal.Key.String()).
				Msg("Failed to get portal for republish")
			continue
		}
		portal.QueueProfileRepublish(puppet.Displayname)
	}
}
