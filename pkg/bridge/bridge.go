// Copyright 2024-2026 Aiku AI

// Package bridge implements the synchronization engine between a Matrix
// homeserver and Threadline: account sessions, ghost identities, portal
// rooms, and the bidirectional event mappings that keep the two sides
// consistent.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-threadline/pkg/bridge/database"
	"github.com/aiku/mautrix-threadline/pkg/threadline"
)

// Bridge ties the engine together. All registries hand out process-wide
// singletons per key, so state like portal queues and puppet sync locks is
// never duplicated.
type Bridge struct {
	Config *Config
	Log    zerolog.Logger
	DB     *database.Database
	Matrix MatrixAPI
	// Remote is the raw Threadline client; each account wraps it in its own
	// rate-limited facade.
	Remote   threadline.Client
	Backfill *BackfillEngine
	Admin    *AdminAPI

	bgCtx    context.Context
	bgCancel context.CancelFunc

	usersLock   sync.Mutex
	usersByMXID map[id.UserID]*User
	usersByPK   map[int64]*User

	portalsLock   sync.Mutex
	portalsByKey  map[database.PortalKey]*Portal
	portalsByMXID map[id.RoomID]*Portal

	puppetsLock sync.Mutex
	puppets     map[int64]*Puppet

	matrixEvents chan *event.Event
	workerWG     sync.WaitGroup
}

// New assembles a bridge. Start must be called before events flow.
func New(cfg *Config, log zerolog.Logger, db *database.Database, matrix MatrixAPI, remote threadline.Client) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	br := &Bridge{
		Config:        cfg,
		Log:           log,
		DB:            db,
		Matrix:        matrix,
		Remote:        remote,
		bgCtx:         ctx,
		bgCancel:      cancel,
		usersByMXID:   make(map[id.UserID]*User),
		usersByPK:     make(map[int64]*User),
		portalsByKey:  make(map[database.PortalKey]*Portal),
		portalsByMXID: make(map[id.RoomID]*Portal),
		puppets:       make(map[int64]*Puppet),
		matrixEvents:  make(chan *event.Event, cfg.Bridge.MatrixWorkers*16),
	}
	br.Backfill = newBackfillEngine(br)
	br.Admin = newAdminAPI(br)
	return br
}

// Start loads persisted state, starts the Matrix event workers, and brings
// every logged-in account's supervisor up.
func (br *Bridge) Start(ctx context.Context) error {
	if err := br.loadPortals(ctx); err != nil {
		return err
	}
	for i := 0; i < br.Config.Bridge.MatrixWorkers; i++ {
		br.workerWG.Add(1)
		go br.matrixWorker()
	}
	if err := br.loadUsers(ctx); err != nil {
		return err
	}
	if br.Config.Bridge.AdminAPIAddr != "" {
		if err := br.Admin.Start(br.Config.Bridge.AdminAPIAddr); err != nil {
			return fmt.Errorf("failed to start admin API: %w", err)
		}
	}
	br.Log.Info().Msg("Bridge engine started")
	return nil
}

// Stop disconnects every account and shuts the workers down. Portal queues
// drain until the background context dies.
func (br *Bridge) Stop() {
	br.usersLock.Lock()
	users := make([]*User, 0, len(br.usersByMXID))
	for _, user := range br.usersByMXID {
		users = append(users, user)
	}
	br.usersLock.Unlock()
	for _, user := range users {
		user.Disconnect()
		user.flushSeqCursor(context.Background(), true)
	}
	br.Admin.Stop()
	br.bgCancel()
	br.workerWG.Wait()
	br.Log.Info().Msg("Bridge engine stopped")
}

func (br *Bridge) loadUsers(ctx context.Context) error {
	accounts, err := br.DB.Account.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load accounts: %w", err)
	}
	br.usersLock.Lock()
	for _, acct := range accounts {
		user := br.newUser(acct)
		br.usersByMXID[user.MXID] = user
		if user.UserPK != 0 {
			br.usersByPK[user.UserPK] = user
		}
	}
	users := make([]*User, 0, len(br.usersByMXID))
	for _, user := range br.usersByMXID {
		users = append(users, user)
	}
	br.usersLock.Unlock()
	for _, user := range users {
		if user.IsLoggedIn() {
			user.Connect()
		}
	}
	br.Log.Debug().Int("accounts", len(accounts)).Msg("Loaded accounts")
	return nil
}

// loadPortals brings every bound portal into the registry and enforces room
// exclusivity across rows: if two rows somehow claim the same room, the
// second is quarantined.
func (br *Bridge) loadPortals(ctx context.Context) error {
	portals, err := br.DB.Portal.GetAllWithMXID(ctx)
	if err != nil {
		return fmt.Errorf("failed to load portals: %w", err)
	}
	var quarantine []*Portal
	br.portalsLock.Lock()
	for _, dbPortal := range portals {
		portal := br.newPortal(dbPortal)
		br.portalsByKey[portal.Key] = portal
		if prev, clash := br.portalsByMXID[portal.MXID]; clash {
			br.Log.Error().
				Str("room_id", portal.MXID.String()).
				Str("portal", portal.Key.String()).
				Str("other_portal", prev.Key.String()).
				Msg("Two portals bound to one room, quarantining the second")
			quarantine = append(quarantine, portal)
			continue
		}
		br.portalsByMXID[portal.MXID] = portal
	}
	br.portalsLock.Unlock()
	for _, portal := range quarantine {
		portal.Quarantine(ctx)
	}
	br.Log.Debug().Int("portals", len(portals)).Msg("Loaded bound portals")
	return nil
}

// GetUserByMXID returns the bridged account for a Matrix user, creating the
// row on first reference.
func (br *Bridge) GetUserByMXID(ctx context.Context, mxid id.UserID) (*User, error) {
	br.usersLock.Lock()
	defer br.usersLock.Unlock()
	if user, ok := br.usersByMXID[mxid]; ok {
		return user, nil
	}
	dbAccount, err := br.DB.Account.GetByMXID(ctx, mxid)
	if err != nil {
		return nil, fmt.Errorf("failed to get account from db: %w", err)
	}
	if dbAccount == nil {
		dbAccount = br.DB.Account.New()
		dbAccount.MXID = mxid
		dbAccount.Status = database.StatusDisconnected
		if err = dbAccount.Insert(ctx); err != nil {
			return nil, fmt.Errorf("failed to insert new account: %w", err)
		}
	}
	user := br.newUser(dbAccount)
	br.usersByMXID[mxid] = user
	if user.UserPK != 0 {
		br.usersByPK[user.UserPK] = user
	}
	return user, nil
}

// GetCachedUserByMXID returns an already-loaded account, or nil.
func (br *Bridge) GetCachedUserByMXID(mxid id.UserID) *User {
	br.usersLock.Lock()
	defer br.usersLock.Unlock()
	return br.usersByMXID[mxid]
}

// GetCachedUserByPK returns the already-loaded account owning a Threadline
// PK, or nil. Used to pick double-puppet intents.
func (br *Bridge) GetCachedUserByPK(pk int64) *User {
	br.usersLock.Lock()
	defer br.usersLock.Unlock()
	return br.usersByPK[pk]
}

// CachedUsers snapshots all loaded accounts.
func (br *Bridge) CachedUsers() []*User {
	br.usersLock.Lock()
	defer br.usersLock.Unlock()
	users := make([]*User, 0, len(br.usersByMXID))
	for _, user := range br.usersByMXID {
		users = append(users, user)
	}
	return users
}

// registerUserPK indexes an account by its remote PK after login assigns
// one.
func (br *Bridge) registerUserPK(user *User) {
	br.usersLock.Lock()
	defer br.usersLock.Unlock()
	if user.UserPK != 0 {
		br.usersByPK[user.UserPK] = user
	}
}

// GetPortalByKey returns the singleton portal for a key, loading or creating
// the row as needed.
func (br *Bridge) GetPortalByKey(ctx context.Context, key database.PortalKey) (*Portal, error) {
	br.portalsLock.Lock()
	defer br.portalsLock.Unlock()
	return br.getPortalByKeyLocked(ctx, key)
}

func (br *Bridge) getPortalByKeyLocked(ctx context.Context, key database.PortalKey) (*Portal, error) {
	if portal, ok := br.portalsByKey[key]; ok {
		return portal, nil
	}
	dbPortal, err := br.DB.Portal.GetByKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get portal from db: %w", err)
	}
	if dbPortal == nil {
		dbPortal = br.DB.Portal.New()
		dbPortal.Key = key
		dbPortal.Type = threadline.ThreadTypeDirect
		if err = dbPortal.Insert(ctx); err != nil {
			return nil, fmt.Errorf("failed to insert new portal: %w", err)
		}
	}
	portal := br.newPortal(dbPortal)
	br.portalsByKey[key] = portal
	if portal.MXID != "" {
		br.portalsByMXID[portal.MXID] = portal
	}
	return portal, nil
}

// GetPortalByThread resolves a remote thread to its portal for the given
// account. Group threads collapse onto a shared receiver-less portal; 1:1
// threads are scoped to the receiving account. Unknown threads cost one
// FetchThread call to classify.
func (br *Bridge) GetPortalByThread(ctx context.Context, user *User, threadID string) (*Portal, error) {
	br.portalsLock.Lock()
	if portal, ok := br.portalsByKey[database.PortalKey{ThreadID: threadID, Receiver: user.UserPK}]; ok {
		br.portalsLock.Unlock()
		return portal, nil
	}
	if portal, ok := br.portalsByKey[database.PortalKey{ThreadID: threadID}]; ok {
		br.portalsLock.Unlock()
		return portal, nil
	}
	br.portalsLock.Unlock()

	dbPortal, err := br.DB.Portal.GetByThreadID(ctx, threadID, user.UserPK)
	if err != nil {
		return nil, fmt.Errorf("failed to find portal for thread: %w", err)
	}
	key := database.PortalKey{ThreadID: threadID, Receiver: user.UserPK}
	if dbPortal != nil {
		key = dbPortal.Key
	} else {
		thread, err := user.Client.FetchThread(ctx, user.Session(), threadID)
		if err != nil {
			return nil, fmt.Errorf("failed to classify new thread: %w", err)
		}
		if thread.Type == threadline.ThreadTypeGroup {
			key.Receiver = 0
		}
	}
	br.portalsLock.Lock()
	defer br.portalsLock.Unlock()
	return br.getPortalByKeyLocked(ctx, key)
}

// GetPortalByMXID returns the loaded portal bound to a room, or nil.
func (br *Bridge) GetPortalByMXID(roomID id.RoomID) *Portal {
	br.portalsLock.Lock()
	defer br.portalsLock.Unlock()
	return br.portalsByMXID[roomID]
}

func (br *Bridge) registerPortalRoom(portal *Portal) {
	br.portalsLock.Lock()
	defer br.portalsLock.Unlock()
	br.portalsByMXID[portal.MXID] = portal
}

func (br *Bridge) unregisterPortalRoom(roomID id.RoomID) {
	br.portalsLock.Lock()
	defer br.portalsLock.Unlock()
	delete(br.portalsByMXID, roomID)
}

func (br *Bridge) removePortal(portal *Portal) {
	br.portalsLock.Lock()
	defer br.portalsLock.Unlock()
	delete(br.portalsByKey, portal.Key)
	if portal.MXID != "" {
		delete(br.portalsByMXID, portal.MXID)
	}
}

// QueueMatrixEvent feeds one home-network event into the worker pool. Ghost
// and bot senders are dropped here so the engine never bridges its own
// output back.
func (br *Bridge) QueueMatrixEvent(evt *event.Event) {
	if _, isGhost := br.Matrix.ParseGhostMXID(evt.Sender); isGhost || evt.Sender == br.Matrix.BotMXID() {
		return
	}
	// The transport may deliver a late transaction while the engine shuts
	// down; the homeserver redelivers unacked transactions after restart.
	if br.bgCtx.Err() != nil {
		br.Log.Debug().
			Str("event_id", evt.ID.String()).
			Msg("Dropping Matrix event during shutdown")
		return
	}
	select {
	case br.matrixEvents <- evt:
	default:
		br.Log.Error().
			Str("event_id", evt.ID.String()).
			Str("room_id", evt.RoomID.String()).
			Msg("Matrix event queue full, dropping event")
	}
}

// matrixWorker resolves events to portals and hands them to the portal
// actors. Per-room ordering is preserved because each portal serializes its
// own queue; the pool only parallelizes across rooms.
func (br *Bridge) matrixWorker() {
	defer br.workerWG.Done()
	for {
		select {
		case <-br.bgCtx.Done():
			return
		case evt := <-br.matrixEvents:
			portal := br.GetPortalByMXID(evt.RoomID)
			if portal == nil {
				br.Log.Trace().
					Str("room_id", evt.RoomID.String()).
					Msg("Matrix event in unknown room, ignoring")
				continue
			}
			portal.QueueMatrixEvent(evt)
		}
	}
}

// notifyUser delivers a bridge notice to the user's management room,
// creating it on first use.
func (br *Bridge) notifyUser(ctx context.Context, user *User, text string) {
	if user.NoticeRoom == "" {
		roomID, err := br.Matrix.CreateRoom(ctx, &mautrix.ReqCreateRoom{
			Visibility: "private",
			Preset:     "private_chat",
			IsDirect:   true,
			Name:       "Threadline bridge notices",
			Invite:     []id.UserID{user.MXID},
		})
		if err != nil {
			br.Log.Warn().Err(err).Str("user_mxid", user.MXID.String()).Msg("Failed to create notice room")
			return
		}
		user.NoticeRoom = roomID
		if err = user.Update(ctx); err != nil {
			br.Log.Warn().Err(err).Msg("Failed to save notice room")
		}
	}
	content := &event.Content{Parsed: &event.MessageEventContent{MsgType: event.MsgNotice, Body: text}}
	_, err := br.Matrix.SendMessage(ctx, br.Matrix.BotMXID(), user.NoticeRoom, event.EventMessage, content, time.Now())
	if err != nil {
		br.Log.Warn().Err(err).Str("user_mxid", user.MXID.String()).Msg("Failed to send notice")
	}
}
