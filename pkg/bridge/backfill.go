// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/mautrix-threadline/pkg/bridge/database"
	"github.com/aiku/mautrix-threadline/pkg/threadline"
)

// BackfillEngine imports thread history page by page. One task runs per
// portal at a time; every remote call goes through the account's backfill
// priority view, so a portal stuck behind a rate limit never starves live
// bridging or other portals.
type BackfillEngine struct {
	bridge *Bridge
	log    zerolog.Logger

	lock    sync.Mutex
	running map[database.PortalKey]struct{}
}

func newBackfillEngine(br *Bridge) *BackfillEngine {
	return &BackfillEngine{
		bridge:  br,
		log:     br.Log.With().Str("component", "backfill").Logger(),
		running: make(map[database.PortalKey]struct{}),
	}
}

// Schedule starts a backfill task for the portal unless one is already
// running or its history is exhausted. Safe to call repeatedly.
func (be *BackfillEngine) Schedule(portal *Portal, user *User) {
	if !be.bridge.Config.Bridge.Backfill.Enabled || portal.BackfillDone || user == nil {
		return
	}
	be.lock.Lock()
	if _, ok := be.running[portal.Key]; ok {
		be.lock.Unlock()
		return
	}
	be.running[portal.Key] = struct{}{}
	be.lock.Unlock()
	go be.run(be.bridge.bgCtx, portal, user)
}

func (be *BackfillEngine) run(ctx context.Context, portal *Portal, user *User) {
	defer func() {
		be.lock.Lock()
		delete(be.running, portal.Key)
		be.lock.Unlock()
	}()
	log := be.log.With().Str("portal_key", portal.Key.String()).Logger()
	cfg := be.bridge.Config.Bridge.Backfill
	client := user.Client.Backfill()

	pages := 0
	retries := 0
	for !portal.BackfillDone {
		if cfg.MaxPages > 0 && pages >= cfg.MaxPages {
			log.Debug().Int("pages", pages).Msg("Backfill page budget exhausted")
			return
		}
		page, err := client.FetchMessages(ctx, user.Session(), portal.Key.ThreadID, portal.BackfillCursor, cfg.PageSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, threadline.ErrAuthInvalid) {
				log.Warn().Msg("Backfill aborted, session invalid")
				return
			}
			if retryAfter, limited := threadline.IsRateLimited(err); limited {
				// Only this portal's task sleeps; the account bucket is free
				// for everyone else.
				wait := retryAfter
				if wait <= 0 {
					wait = 30 * time.Second
				}
				log.Debug().Dur("wait", wait).Msg("Backfill rate limited, pausing")
				if !sleepCtx(ctx, wait) {
					return
				}
				continue
			}
			if threadline.IsTransient(err) && retries < 5 {
				retries++
				if !sleepCtx(ctx, time.Duration(retries)*5*time.Second) {
					return
				}
				continue
			}
			log.Error().Err(err).Msg("Backfill aborted on remote error")
			return
		}
		retries = 0
		if err = portal.submitBackfillPage(ctx, user, page.Messages, page.Cursor, page.HasMore); err != nil {
			log.Error().Err(err).Msg("Failed to import backfill page")
			return
		}
		pages++
		if !page.HasMore {
			log.Info().Int("pages", pages).Msg("Backfill complete")
			return
		}
	}
}
