// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-threadline/pkg/bridge/database"
	"github.com/aiku/mautrix-threadline/pkg/threadline"
)

// portalState is the room-binding state machine. The room ID on the database
// row is the durable part; creating and closing are transient phases held
// only in memory.
type portalState int

const (
	stateUnbound portalState = iota
	stateCreating
	stateBound
	stateClosing
)

func (ps portalState) String() string {
	switch ps {
	case stateUnbound:
		return "unbound"
	case stateCreating:
		return "creating"
	case stateBound:
		return "bound"
	case stateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// recentSend records an outbound idempotency token so the echo of our own
// message on the event stream can be recognized before (or racing with) the
// mapping commit.
type recentSend struct {
	eventID id.EventID
	sender  int64
	at      time.Time
}

// Portal owns one thread↔room binding. Every mutation -- remote events,
// Matrix events, backfill pages, membership sync -- is serialized through the
// portal's task queue, so ordering inside a thread can never interleave while
// distinct portals progress in parallel.
type Portal struct {
	*database.Portal
	bridge *Bridge
	log    zerolog.Logger

	queue chan portalTask

	stateLock      sync.Mutex
	state          portalState
	roomCreateLock sync.Mutex

	recentSends map[string]recentSend
}

type portalTask interface {
	isPortalTask()
}

type remoteTask struct {
	user *User
	evt  threadline.Event
}

type matrixTask struct {
	evt *event.Event
}

type syncTask struct {
	user       *User
	thread     *threadline.Thread
	createRoom bool
}

type backfillPageTask struct {
	user       *User
	messages   []*threadline.Message
	nextCursor string
	hasMore    bool
	done       chan error
}

type republishTask struct {
	name string
}

func (remoteTask) isPortalTask()       {}
func (matrixTask) isPortalTask()       {}
func (syncTask) isPortalTask()         {}
func (backfillPageTask) isPortalTask() {}
func (republishTask) isPortalTask()    {}

func (br *Bridge) newPortal(dbPortal *database.Portal) *Portal {
	portal := &Portal{
		Portal: dbPortal,
		bridge: br,
		log: br.Log.With().
			Str("component", "portal").
			Str("thread_id", dbPortal.Key.ThreadID).
			Int64("receiver", dbPortal.Key.Receiver).
			Logger(),
		queue:       make(chan portalTask, br.Config.Bridge.PortalQueueSize),
		recentSends: make(map[string]recentSend),
	}
	if dbPortal.MXID != "" {
		portal.state = stateBound
	}
	go portal.messageLoop(br.bgCtx)
	return portal
}

// QueueRemoteEvent hands a remote event to the portal's task queue. The send
// blocks when the queue is full: the stream cursor has already advanced past
// the event, so dropping it here would lose it for good.
func (portal *Portal) QueueRemoteEvent(user *User, evt threadline.Event) {
	portal.enqueueBlocking(remoteTask{user: user, evt: evt})
}

// QueueMatrixEvent hands a home-network event to the portal's task queue.
func (portal *Portal) QueueMatrixEvent(evt *event.Event) {
	portal.enqueue(matrixTask{evt: evt})
}

// QueueSync hands fresh thread metadata to the portal, optionally asking for
// room creation if the portal is still unbound.
func (portal *Portal) QueueSync(user *User, thread *threadline.Thread, createRoom bool) {
	portal.enqueueBlocking(syncTask{user: user, thread: thread, createRoom: createRoom})
}

// QueueProfileRepublish asks the portal to refresh its room name after a
// ghost profile change. Only meaningful for 1:1 portals.
func (portal *Portal) QueueProfileRepublish(name string) {
	portal.enqueue(republishTask{name: name})
}

// submitBackfillPage runs one history page through the portal's queue and
// waits for the result, so live events stay ahead of backfill.
func (portal *Portal) submitBackfillPage(ctx context.Context, user *User, messages []*threadline.Message, nextCursor string, hasMore bool) error {
	task := backfillPageTask{
		user:       user,
		messages:   messages,
		nextCursor: nextCursor,
		hasMore:    hasMore,
		done:       make(chan error, 1),
	}
	select {
	case portal.queue <- task:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-task.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueueBlocking waits for queue space. Safe for callers outside the portal
// actor (supervisors, reconcile loops); the actor itself must never use it.
func (portal *Portal) enqueueBlocking(task portalTask) {
	select {
	case portal.queue <- task:
	case <-portal.bridge.bgCtx.Done():
	}
}

// enqueue drops on overflow. Matrix events can be redelivered by the
// homeserver and republish requests can originate from inside the portal
// actor, where a blocking send would deadlock the drain loop.
func (portal *Portal) enqueue(task portalTask) {
	select {
	case portal.queue <- task:
	default:
		portal.log.Error().Type("task_type", task).Msg("Portal queue full, dropping task")
	}
}

func (portal *Portal) messageLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-portal.queue:
			batch := []portalTask{task}
		drain:
			for {
				select {
				case extra := <-portal.queue:
					batch = append(batch, extra)
				default:
					break drain
				}
			}
			portal.handleBatch(ctx, batch)
		}
	}
}

// handleBatch processes one drained batch: remote events are reordered into
// ascending sequence order among themselves, everything else keeps arrival
// order, and backfill pages run after all live work.
func (portal *Portal) handleBatch(ctx context.Context, batch []portalTask) {
	live := make([]portalTask, 0, len(batch))
	var backfill []portalTask
	for _, task := range batch {
		if _, ok := task.(backfillPageTask); ok {
			backfill = append(backfill, task)
		} else {
			live = append(live, task)
		}
	}
	orderRemoteTasks(live)
	for _, task := range append(live, backfill...) {
		portal.handleTask(ctx, task)
	}
}

// orderRemoteTasks sorts the sequenced remote events in the slice by remote
// sequence number, in place, leaving every other task at its position.
func orderRemoteTasks(tasks []portalTask) {
	var idxs []int
	var seqd []remoteTask
	for i, task := range tasks {
		if rt, ok := task.(remoteTask); ok && remoteEventSeq(rt.evt) > 0 {
			idxs = append(idxs, i)
			seqd = append(seqd, rt)
		}
	}
	sort.SliceStable(seqd, func(i, j int) bool {
		return remoteEventSeq(seqd[i].evt) < remoteEventSeq(seqd[j].evt)
	})
	for n, i := range idxs {
		tasks[i] = seqd[n]
	}
}

// remoteEventSeq returns the remote sequence number of an event, or 0 for
// unsequenced event types (typing, receipts, presence).
func remoteEventSeq(evt threadline.Event) int64 {
	switch evt := evt.(type) {
	case threadline.MessageEvent:
		return evt.Seq
	case threadline.ReactionEvent:
		return evt.Seq
	case threadline.ReactionRemoveEvent:
		return evt.Seq
	case threadline.ItemRemoveEvent:
		return evt.Seq
	case threadline.MembershipEvent:
		return evt.Seq
	case threadline.ThreadRemoveEvent:
		return evt.Seq
	default:
		return 0
	}
}

func (portal *Portal) handleTask(ctx context.Context, task portalTask) {
	switch task := task.(type) {
	case remoteTask:
		portal.handleRemoteEvent(ctx, task.user, task.evt)
	case matrixTask:
		portal.handleMatrixEvent(ctx, task.evt)
	case syncTask:
		portal.handleSync(ctx, task.user, task.thread, task.createRoom)
	case backfillPageTask:
		task.done <- portal.handleBackfillPage(ctx, task.user, task.messages, task.nextCursor, task.hasMore)
	case republishTask:
		portal.handleProfileRepublish(ctx, task.name)
	}
}

// State returns the portal's current binding state.
func (portal *Portal) State() portalState {
	portal.stateLock.Lock()
	defer portal.stateLock.Unlock()
	return portal.state
}

func (portal *Portal) setState(state portalState) {
	portal.stateLock.Lock()
	portal.state = state
	portal.stateLock.Unlock()
}

// IsDirect reports whether this is a 1:1 portal.
func (portal *Portal) IsDirect() bool {
	return portal.Type == threadline.ThreadTypeDirect
}

// ensureBound drives unbound → creating → bound, collapsing concurrent
// creation attempts onto a single room: the loser of the lock re-resolves an
// already-bound portal and returns immediately.
func (portal *Portal) ensureBound(ctx context.Context, user *User) error {
	if portal.MXID != "" {
		return nil
	}
	portal.roomCreateLock.Lock()
	defer portal.roomCreateLock.Unlock()
	if portal.MXID != "" {
		return nil
	}
	portal.setState(stateCreating)
	ok := false
	defer func() {
		if !ok {
			portal.setState(stateUnbound)
		}
	}()

	var thread *threadline.Thread
	if user != nil {
		var err error
		thread, err = user.Client.FetchThread(ctx, user.Session(), portal.Key.ThreadID)
		if err != nil {
			// Room creation can proceed on defaults; metadata syncs later.
			portal.log.Warn().Err(err).Msg("Failed to fetch thread info before room creation")
		}
	}
	portal.applyThreadInfo(thread)

	invites, err := portal.memberInvites(ctx, thread)
	if err != nil {
		return err
	}
	if user != nil {
		invites = append(invites, user.MXID)
	}

	req := &mautrix.ReqCreateRoom{
		Visibility: "private",
		Preset:     "private_chat",
		IsDirect:   portal.IsDirect(),
		Invite:     invites,
	}
	if !portal.IsDirect() {
		req.Name = portal.Name
	}
	roomID, err := portal.bridge.Matrix.CreateRoom(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to create room: %w", err)
	}
	portal.log.Info().Str("room_id", roomID.String()).Msg("Created portal room")

	// Room ownership is exclusive: another portal already holding this room
	// ID is an invariant violation, quarantine instead of crashing.
	existing, err := portal.bridge.DB.Portal.GetByMXID(ctx, roomID)
	if err == nil && existing != nil && existing.Key != portal.Key {
		portal.log.Error().
			Str("room_id", roomID.String()).
			Str("other_portal", existing.Key.String()).
			Msg("Room already bound to another portal, quarantining")
		return fmt.Errorf("room %s already bound to portal %s", roomID, existing.Key)
	}

	portal.MXID = roomID
	if err = portal.Update(ctx); err != nil {
		portal.MXID = ""
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			portal.log.Error().Err(err).Msg("Duplicate room binding detected on commit, quarantining")
		}
		return fmt.Errorf("failed to save room binding: %w", err)
	}
	portal.bridge.registerPortalRoom(portal)

	if portal.Encrypted || portal.bridge.Config.Bridge.EncryptionDefault {
		if err = portal.bridge.Matrix.EnsureEncrypted(ctx, roomID); err != nil {
			portal.log.Warn().Err(err).Msg("Failed to enable encryption in new room")
		} else {
			portal.Encrypted = true
			if err = portal.Update(ctx); err != nil {
				portal.log.Warn().Err(err).Msg("Failed to save encryption flag")
			}
		}
	}

	ok = true
	portal.setState(stateBound)
	portal.syncMembership(ctx, thread)
	if user != nil {
		portal.bridge.Backfill.Schedule(portal, user)
	}
	return nil
}

// applyThreadInfo copies remote thread metadata onto the portal row without
// saving it.
func (portal *Portal) applyThreadInfo(thread *threadline.Thread) {
	if thread == nil {
		return
	}
	portal.Type = thread.Type
	if thread.Type == threadline.ThreadTypeDirect {
		for _, part := range thread.Participants {
			if portal.Key.Receiver != 0 && part.PK != portal.Key.Receiver {
				portal.OtherUserPK = part.PK
			}
		}
	}
	if thread.Title != "" {
		portal.Name = thread.Title
	}
	if thread.AvatarURL != "" {
		portal.AvatarURL = thread.AvatarURL
	}
}

// memberInvites resolves the ghost list for room creation. Relay-mode
// portals get the single relay puppet instead of per-member ghosts.
func (portal *Portal) memberInvites(ctx context.Context, thread *threadline.Thread) ([]id.UserID, error) {
	if portal.RelayUserID != "" {
		relay, err := portal.relayPuppet(ctx)
		if err != nil {
			return nil, err
		}
		return []id.UserID{relay.MXID()}, nil
	}
	var invites []id.UserID
	if thread != nil {
		for _, part := range thread.Participants {
			if part.PK == portal.Key.Receiver {
				continue
			}
			puppet, err := portal.bridge.GetPuppetByPK(ctx, part.PK)
			if err != nil {
				portal.log.Warn().Err(err).Int64("user_pk", part.PK).Msg("Failed to resolve participant puppet")
				continue
			}
			puppet.UpdateProfile(ctx, &part)
			invites = append(invites, puppet.MXID())
		}
	} else if portal.OtherUserPK != 0 {
		puppet, err := portal.bridge.GetPuppetByPK(ctx, portal.OtherUserPK)
		if err != nil {
			return nil, err
		}
		invites = append(invites, puppet.MXID())
	}
	return invites, nil
}

func (portal *Portal) relayPuppet(ctx context.Context) (*Puppet, error) {
	relayUser := portal.bridge.GetCachedUserByMXID(portal.RelayUserID)
	if relayUser == nil {
		return nil, fmt.Errorf("relay user %s not logged in", portal.RelayUserID)
	}
	puppet, err := portal.bridge.GetPuppetByPK(ctx, relayUser.UserPK)
	if err != nil {
		return nil, err
	}
	if !puppet.IsRelay {
		puppet.IsRelay = true
		if err = puppet.Update(ctx); err != nil {
			portal.log.Warn().Err(err).Msg("Failed to save relay flag on puppet")
		}
	}
	return puppet, nil
}

// syncMembership makes sure all remote participants' ghosts are in the room.
func (portal *Portal) syncMembership(ctx context.Context, thread *threadline.Thread) {
	if portal.MXID == "" || thread == nil || portal.RelayUserID != "" {
		return
	}
	for _, part := range thread.Participants {
		if part.PK == portal.Key.Receiver {
			continue
		}
		puppet, err := portal.bridge.GetPuppetByPK(ctx, part.PK)
		if err != nil {
			portal.log.Warn().Err(err).Int64("user_pk", part.PK).Msg("Failed to resolve puppet for membership sync")
			continue
		}
		puppet.UpdateProfile(ctx, &part)
		if err = portal.bridge.Matrix.EnsureJoined(ctx, portal.MXID, puppet.MXID()); err != nil {
			portal.log.Warn().Err(err).Str("ghost", puppet.MXID().String()).Msg("Failed to ensure ghost joined")
		}
	}
}

// handleSync applies fresh thread metadata: room name/avatar updates, room
// creation for active threads, and a backfill kick when the remote thread is
// ahead of the portal's cursor.
func (portal *Portal) handleSync(ctx context.Context, user *User, thread *threadline.Thread, createRoom bool) {
	if thread == nil {
		return
	}
	portal.applyThreadInfo(thread)
	if portal.MXID == "" {
		if !createRoom {
			if err := portal.Update(ctx); err != nil {
				portal.log.Warn().Err(err).Msg("Failed to save portal metadata")
			}
			return
		}
		if err := portal.ensureBound(ctx, user); err != nil {
			portal.log.Error().Err(err).Msg("Failed to create room during sync")
		}
		return
	}
	if !portal.IsDirect() && thread.Title != "" && (!portal.NameSet || thread.Title != portal.Name) {
		portal.Name = thread.Title
		content := &event.Content{Parsed: &event.RoomNameEventContent{Name: thread.Title}}
		_, err := portal.bridge.Matrix.SendState(ctx, portal.bridge.Matrix.BotMXID(), portal.MXID, event.StateRoomName, "", content)
		if err != nil {
			portal.log.Warn().Err(err).Msg("Failed to update room name")
		} else {
			portal.NameSet = true
		}
	}
	portal.syncMembership(ctx, thread)
	if err := portal.Update(ctx); err != nil {
		portal.log.Warn().Err(err).Msg("Failed to save portal metadata")
	}
	if thread.LastSeq > portal.LastSeq {
		portal.bridge.Backfill.Schedule(portal, user)
	}
}

func (portal *Portal) handleProfileRepublish(ctx context.Context, name string) {
	if portal.MXID == "" || !portal.IsDirect() || name == "" {
		return
	}
	content := &event.Content{Parsed: &event.RoomNameEventContent{Name: name}}
	_, err := portal.bridge.Matrix.SendState(ctx, portal.bridge.Matrix.BotMXID(), portal.MXID, event.StateRoomName, "", content)
	if err != nil {
		portal.log.Warn().Err(err).Msg("Failed to republish room name after profile change")
	} else {
		portal.Name = name
		portal.NameSet = true
		if err = portal.Update(ctx); err != nil {
			portal.log.Warn().Err(err).Msg("Failed to save republished name")
		}
	}
}

// handleRemoteEvent dispatches one normalized remote event. The variant set
// is closed; anything unhandled here is a programming error.
func (portal *Portal) handleRemoteEvent(ctx context.Context, user *User, evt threadline.Event) {
	switch evt := evt.(type) {
	case threadline.MessageEvent:
		portal.handleRemoteMessage(ctx, user, &evt.Message, false)
	case threadline.ReactionEvent:
		portal.handleRemoteReaction(ctx, &evt)
	case threadline.ReactionRemoveEvent:
		portal.handleRemoteReactionRemove(ctx, &evt)
	case threadline.ItemRemoveEvent:
		portal.handleRemoteItemRemove(ctx, &evt)
	case threadline.TypingEvent:
		portal.handleRemoteTyping(ctx, &evt)
	case threadline.ReceiptEvent:
		portal.handleRemoteReceipt(ctx, &evt)
	case threadline.MembershipEvent:
		portal.handleRemoteMembership(ctx, &evt)
	case threadline.ThreadRemoveEvent:
		portal.log.Info().Msg("Thread deleted on remote side, closing portal")
		portal.closePortal(ctx)
	case threadline.PresenceEvent:
		// Presence is account-scoped and handled by the session supervisor.
	}
}

// handleRemoteMessage bridges one remote message into the room. The mapping
// check makes redelivery idempotent; the recent-send window turns echoes of
// our own outbound messages into mapping backfills instead of duplicates.
func (portal *Portal) handleRemoteMessage(ctx context.Context, user *User, msg *threadline.Message, backfill bool) {
	log := portal.log.With().Str("item_id", msg.ItemID).Int64("seq", msg.Seq).Logger()
	existing, err := portal.bridge.DB.Message.GetByItemID(ctx, portal.Key, msg.ItemID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to check for duplicate message")
		return
	}
	if existing != nil {
		log.Debug().Msg("Ignoring duplicate remote message")
		return
	}
	if msg.ClientContext != "" && portal.adoptOwnEcho(ctx, msg) {
		return
	}
	if err = portal.ensureBound(ctx, user); err != nil {
		log.Error().Err(err).Msg("Failed to bind room for remote message")
		return
	}

	puppet, err := portal.bridge.GetPuppetByPK(ctx, msg.Sender)
	if err != nil {
		log.Error().Err(err).Msg("Failed to resolve sender puppet")
		return
	}
	sender := puppet.IntentFor()

	content := remoteToMatrixContent(msg.Text)
	if msg.ReplyToItemID != "" {
		target, err := portal.bridge.DB.Message.GetByItemID(ctx, portal.Key, msg.ReplyToItemID)
		if err != nil || target == nil {
			// Replies to unmapped history degrade to standalone messages.
			log.Debug().Str("reply_to", msg.ReplyToItemID).Msg("Reply target not mapped, bridging without relation")
		} else {
			content.RelatesTo = &event.RelatesTo{InReplyTo: &event.InReplyTo{EventID: target.MXID}}
		}
	}
	eventID, err := portal.bridge.Matrix.SendMessage(
		ctx, sender, portal.MXID, event.EventMessage, &event.Content{Parsed: content}, msg.Timestamp,
	)
	if err != nil {
		log.Error().Err(err).Msg("Failed to send message to Matrix")
		return
	}
	mapping := portal.bridge.DB.Message.New()
	mapping.MXID = eventID
	mapping.RoomID = portal.MXID
	mapping.ThreadID = portal.Key.ThreadID
	mapping.Receiver = portal.Key.Receiver
	mapping.ItemID = msg.ItemID
	mapping.Sender = msg.Sender
	mapping.Seq = msg.Seq
	mapping.ClientContext = msg.ClientContext
	mapping.Timestamp = msg.Timestamp
	portal.saveMapping(ctx, mapping, backfill)
	log.Debug().Str("event_id", eventID.String()).Msg("Bridged remote message")
}

// adoptOwnEcho recognizes the remote echo of a message this bridge sent
// (same client context inside the recent-send window) and backfills the
// mapping instead of re-bridging. Returns true if the event was consumed.
func (portal *Portal) adoptOwnEcho(ctx context.Context, msg *threadline.Message) bool {
	rs, ok := portal.takeRecentSend(msg.ClientContext)
	if !ok {
		return false
	}
	mapping := portal.bridge.DB.Message.New()
	mapping.MXID = rs.eventID
	mapping.RoomID = portal.MXID
	mapping.ThreadID = portal.Key.ThreadID
	mapping.Receiver = portal.Key.Receiver
	mapping.ItemID = msg.ItemID
	mapping.Sender = rs.sender
	mapping.Seq = msg.Seq
	mapping.ClientContext = msg.ClientContext
	mapping.Timestamp = msg.Timestamp
	portal.saveMapping(ctx, mapping, false)
	portal.log.Debug().
		Str("item_id", msg.ItemID).
		Str("event_id", rs.eventID.String()).
		Msg("Adopted echo of own message")
	return true
}

// saveMapping writes a MessageMapping and advances the sequence cursor. A
// unique violation here means the event raced an identical mapping in and is
// logged as a duplicate, not an error.
func (portal *Portal) saveMapping(ctx context.Context, mapping *database.Message, backfill bool) {
	err := portal.bridge.DB.DoTxn(ctx, nil, func(ctx context.Context) error {
		if err := mapping.Insert(ctx); err != nil {
			return err
		}
		changed := false
		if mapping.Seq > portal.LastSeq && !backfill {
			portal.LastSeq = mapping.Seq
			changed = true
		}
		if ts := mapping.Timestamp.UnixMilli(); backfill && (portal.BackfillOldestTS == 0 || ts < portal.BackfillOldestTS) {
			portal.BackfillOldestTS = ts
			changed = true
		}
		if changed {
			return portal.Update(ctx)
		}
		return nil
	})
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			portal.log.Debug().Str("item_id", mapping.ItemID).Msg("Mapping already written, duplicate dropped")
		} else {
			portal.log.Error().Err(err).Str("item_id", mapping.ItemID).Msg("Failed to save message mapping")
		}
	}
}

func (portal *Portal) handleRemoteReaction(ctx context.Context, evt *threadline.ReactionEvent) {
	if portal.MXID == "" {
		return
	}
	log := portal.log.With().Str("item_id", evt.ItemID).Int64("sender", evt.Sender).Logger()
	target, err := portal.bridge.DB.Message.GetByItemID(ctx, portal.Key, evt.ItemID)
	if err != nil || target == nil {
		log.Warn().AnErr("lookup_error", err).Msg("Reaction target not mapped, dropping")
		return
	}
	existing, err := portal.bridge.DB.Reaction.GetByItemAndSender(ctx, portal.Key, evt.ItemID, evt.Sender)
	if err != nil {
		log.Error().Err(err).Msg("Failed to look up existing reaction")
		return
	}
	if existing != nil && existing.Emoji == evt.Emoji {
		log.Debug().Msg("Ignoring duplicate remote reaction")
		return
	}
	puppet, err := portal.bridge.GetPuppetByPK(ctx, evt.Sender)
	if err != nil {
		log.Error().Err(err).Msg("Failed to resolve reaction sender puppet")
		return
	}
	sender := puppet.IntentFor()
	if existing != nil {
		// Supersede: one live reaction per (message, sender).
		if _, err = portal.bridge.Matrix.RedactEvent(ctx, sender, portal.MXID, existing.MXID); err != nil {
			log.Warn().Err(err).Msg("Failed to redact superseded reaction")
		}
	}
	content := &event.Content{Parsed: &event.ReactionEventContent{
		RelatesTo: event.RelatesTo{Type: event.RelAnnotation, EventID: target.MXID, Key: evt.Emoji},
	}}
	eventID, err := portal.bridge.Matrix.SendMessage(ctx, sender, portal.MXID, event.EventReaction, content, time.Now())
	if err != nil {
		log.Error().Err(err).Msg("Failed to send reaction to Matrix")
		return
	}
	reaction := portal.bridge.DB.Reaction.New()
	reaction.MXID = eventID
	reaction.RoomID = portal.MXID
	reaction.ThreadID = portal.Key.ThreadID
	reaction.Receiver = portal.Key.Receiver
	reaction.ItemID = evt.ItemID
	reaction.Sender = evt.Sender
	reaction.Emoji = evt.Emoji
	if err = reaction.Upsert(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to save reaction mapping")
	}
}

func (portal *Portal) handleRemoteReactionRemove(ctx context.Context, evt *threadline.ReactionRemoveEvent) {
	if portal.MXID == "" {
		return
	}
	existing, err := portal.bridge.DB.Reaction.GetByItemAndSender(ctx, portal.Key, evt.ItemID, evt.Sender)
	if err != nil || existing == nil {
		portal.log.Debug().AnErr("lookup_error", err).Str("item_id", evt.ItemID).
			Msg("Reaction removal for unmapped reaction, dropping")
		return
	}
	puppet, err := portal.bridge.GetPuppetByPK(ctx, evt.Sender)
	if err != nil {
		portal.log.Error().Err(err).Msg("Failed to resolve reaction sender puppet")
		return
	}
	if _, err = portal.bridge.Matrix.RedactEvent(ctx, puppet.IntentFor(), portal.MXID, existing.MXID); err != nil {
		portal.log.Warn().Err(err).Msg("Failed to redact removed reaction")
	}
	if err = existing.Delete(ctx); err != nil {
		portal.log.Error().Err(err).Msg("Failed to delete reaction mapping")
	}
}

func (portal *Portal) handleRemoteItemRemove(ctx context.Context, evt *threadline.ItemRemoveEvent) {
	if portal.MXID == "" {
		return
	}
	mapping, err := portal.bridge.DB.Message.GetByItemID(ctx, portal.Key, evt.ItemID)
	if err != nil || mapping == nil {
		portal.log.Debug().AnErr("lookup_error", err).Str("item_id", evt.ItemID).
			Msg("Unsend for unmapped message, dropping")
		return
	}
	puppet, err := portal.bridge.GetPuppetByPK(ctx, mapping.Sender)
	if err != nil {
		portal.log.Error().Err(err).Msg("Failed to resolve unsend sender puppet")
		return
	}
	if _, err = portal.bridge.Matrix.RedactEvent(ctx, puppet.IntentFor(), portal.MXID, mapping.MXID); err != nil {
		portal.log.Warn().Err(err).Msg("Failed to redact unsent message")
	}
	// Reactions on the item are gone remotely too.
	reactions, err := portal.bridge.DB.Reaction.GetAllForItem(ctx, portal.Key, evt.ItemID)
	if err != nil {
		portal.log.Error().Err(err).Msg("Failed to list reactions on unsent message")
	}
	for _, reaction := range reactions {
		reactor, err := portal.bridge.GetPuppetByPK(ctx, reaction.Sender)
		if err == nil {
			if _, err = portal.bridge.Matrix.RedactEvent(ctx, reactor.IntentFor(), portal.MXID, reaction.MXID); err != nil {
				portal.log.Warn().Err(err).Msg("Failed to redact reaction on unsent message")
			}
		}
		if err = reaction.Delete(ctx); err != nil {
			portal.log.Error().Err(err).Msg("Failed to delete reaction mapping")
		}
	}
	if err = mapping.Delete(ctx); err != nil {
		portal.log.Error().Err(err).Msg("Failed to delete message mapping")
	}
}

func (portal *Portal) handleRemoteTyping(ctx context.Context, evt *threadline.TypingEvent) {
	if portal.MXID == "" {
		return
	}
	puppet, err := portal.bridge.GetPuppetByPK(ctx, evt.Sender)
	if err != nil {
		return
	}
	timeout := time.Duration(0)
	if evt.Active {
		timeout = time.Duration(portal.bridge.Config.Bridge.TypingTimeoutSecs) * time.Second
	}
	if err = portal.bridge.Matrix.SendTyping(ctx, puppet.MXID(), portal.MXID, timeout); err != nil {
		portal.log.Debug().Err(err).Msg("Failed to bridge typing state")
	}
}

func (portal *Portal) handleRemoteReceipt(ctx context.Context, evt *threadline.ReceiptEvent) {
	if portal.MXID == "" {
		return
	}
	mapping, err := portal.bridge.DB.Message.GetByItemID(ctx, portal.Key, evt.ItemID)
	if err != nil || mapping == nil {
		return
	}
	puppet, err := portal.bridge.GetPuppetByPK(ctx, evt.Sender)
	if err != nil {
		return
	}
	if err = portal.bridge.Matrix.SendReceipt(ctx, puppet.MXID(), portal.MXID, mapping.MXID); err != nil {
		portal.log.Debug().Err(err).Msg("Failed to bridge read receipt")
	}
}

func (portal *Portal) handleRemoteMembership(ctx context.Context, evt *threadline.MembershipEvent) {
	if portal.MXID == "" {
		return
	}
	puppet, err := portal.bridge.GetPuppetByPK(ctx, evt.UserPK)
	if err != nil {
		portal.log.Error().Err(err).Int64("user_pk", evt.UserPK).Msg("Failed to resolve membership puppet")
		return
	}
	if evt.Joined {
		if err = portal.bridge.Matrix.EnsureJoined(ctx, portal.MXID, puppet.MXID()); err != nil {
			portal.log.Warn().Err(err).Msg("Failed to join ghost after remote membership change")
		}
	} else {
		content := &event.Content{Parsed: &event.MemberEventContent{Membership: event.MembershipLeave}}
		_, err = portal.bridge.Matrix.SendState(ctx, puppet.MXID(), portal.MXID, event.StateMember, puppet.MXID().String(), content)
		if err != nil {
			portal.log.Warn().Err(err).Msg("Failed to remove ghost after remote membership change")
		}
	}
}

// handleMatrixEvent dispatches one home-network event for this portal's room.
func (portal *Portal) handleMatrixEvent(ctx context.Context, evt *event.Event) {
	if evt.Type == event.EventEncrypted {
		decrypted, err := portal.bridge.Matrix.DecryptEvent(ctx, evt)
		if err != nil {
			portal.log.Error().Err(err).Str("event_id", evt.ID.String()).Msg("Failed to decrypt event")
			return
		}
		evt = decrypted
	}
	switch evt.Type {
	case event.EventMessage:
		portal.handleMatrixMessage(ctx, evt)
	case event.EventReaction:
		portal.handleMatrixReaction(ctx, evt)
	case event.EventRedaction:
		portal.handleMatrixRedaction(ctx, evt)
	case event.StateMember:
		portal.handleMatrixMembership(ctx, evt)
	case event.EphemeralEventTyping:
		portal.handleMatrixTyping(ctx, evt)
	case event.EphemeralEventReceipt:
		portal.handleMatrixReceipt(ctx, evt)
	default:
		portal.log.Trace().Str("event_type", evt.Type.String()).Msg("Unhandled Matrix event type")
	}
}

// resolveSender picks the account a Matrix event will be sent to the remote
// network as: the sender's own login if they have one, otherwise the
// portal's relay account.
func (portal *Portal) resolveSender(evt *event.Event) (*User, bool) {
	user := portal.bridge.GetCachedUserByMXID(evt.Sender)
	if user != nil && user.IsLoggedIn() {
		return user, false
	}
	if portal.RelayUserID != "" {
		relay := portal.bridge.GetCachedUserByMXID(portal.RelayUserID)
		if relay != nil && relay.IsLoggedIn() {
			return relay, true
		}
	}
	return nil, false
}

func (portal *Portal) handleMatrixMessage(ctx context.Context, evt *event.Event) {
	log := portal.log.With().Str("event_id", evt.ID.String()).Logger()
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		log.Warn().Msg("Matrix message with unparsed content, dropping")
		return
	}
	user, viaRelay := portal.resolveSender(evt)
	if user == nil {
		log.Debug().Str("sender", evt.Sender.String()).Msg("No login or relay to send Matrix message with")
		return
	}
	text := matrixToRemoteText(content)
	if viaRelay {
		text = fmt.Sprintf("%s: %s", evt.Sender, text)
	}

	clientContext := xid.New().String()
	portal.markRecentSend(clientContext, evt.ID, user.UserPK)

	var sent *threadline.Message
	err := portal.withRetry(ctx, log, "send message", func(ctx context.Context) error {
		var serr error
		sent, serr = user.Client.SendText(ctx, user.Session(), portal.Key.ThreadID, clientContext, text)
		return serr
	})
	if err != nil {
		portal.clearRecentSend(clientContext)
		log.Error().Err(err).Msg("Failed to send message to Threadline")
		portal.sendNotice(ctx, fmt.Sprintf("⚠️ Your message was not bridged: %v", err))
		return
	}
	// The echo may have already consumed the recent-send entry and written
	// the mapping; saveMapping treats that as a duplicate.
	if _, pending := portal.takeRecentSend(clientContext); pending {
		mapping := portal.bridge.DB.Message.New()
		mapping.MXID = evt.ID
		mapping.RoomID = portal.MXID
		mapping.ThreadID = portal.Key.ThreadID
		mapping.Receiver = portal.Key.Receiver
		mapping.ItemID = sent.ItemID
		mapping.Sender = user.UserPK
		mapping.Seq = sent.Seq
		mapping.ClientContext = clientContext
		mapping.Timestamp = sent.Timestamp
		portal.saveMapping(ctx, mapping, false)
	}
	log.Debug().Str("item_id", sent.ItemID).Msg("Bridged Matrix message to Threadline")
}

func (portal *Portal) handleMatrixReaction(ctx context.Context, evt *event.Event) {
	log := portal.log.With().Str("event_id", evt.ID.String()).Logger()
	content, ok := evt.Content.Parsed.(*event.ReactionEventContent)
	if !ok || content.RelatesTo.EventID == "" {
		log.Warn().Msg("Matrix reaction with unparsed content, dropping")
		return
	}
	user, _ := portal.resolveSender(evt)
	if user == nil {
		return
	}
	target, err := portal.bridge.DB.Message.GetByMXID(ctx, content.RelatesTo.EventID, portal.MXID)
	if err != nil || target == nil {
		// Reacting to unmapped history: degrade to a log line.
		log.Debug().AnErr("lookup_error", err).Str("target", content.RelatesTo.EventID.String()).
			Msg("Reaction target not mapped, dropping")
		return
	}
	err = portal.withRetry(ctx, log, "send reaction", func(ctx context.Context) error {
		return user.Client.SendReaction(ctx, user.Session(), portal.Key.ThreadID, target.ItemID, content.RelatesTo.Key)
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to send reaction to Threadline")
		return
	}
	reaction := portal.bridge.DB.Reaction.New()
	reaction.MXID = evt.ID
	reaction.RoomID = portal.MXID
	reaction.ThreadID = portal.Key.ThreadID
	reaction.Receiver = portal.Key.Receiver
	reaction.ItemID = target.ItemID
	reaction.Sender = user.UserPK
	reaction.Emoji = content.RelatesTo.Key
	if err = reaction.Upsert(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to save reaction mapping")
	}
}

func (portal *Portal) handleMatrixRedaction(ctx context.Context, evt *event.Event) {
	log := portal.log.With().Str("event_id", evt.ID.String()).Logger()
	user, _ := portal.resolveSender(evt)
	if user == nil {
		return
	}
	if mapping, err := portal.bridge.DB.Message.GetByMXID(ctx, evt.Redacts, portal.MXID); err == nil && mapping != nil {
		err = portal.withRetry(ctx, log, "unsend message", func(ctx context.Context) error {
			return user.Client.UnsendMessage(ctx, user.Session(), portal.Key.ThreadID, mapping.ItemID)
		})
		if err != nil {
			log.Error().Err(err).Msg("Failed to unsend message on Threadline")
			return
		}
		if err = mapping.Delete(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to delete message mapping after redaction")
		}
		return
	}
	if reaction, err := portal.bridge.DB.Reaction.GetByMXID(ctx, evt.Redacts, portal.MXID); err == nil && reaction != nil {
		err = portal.withRetry(ctx, log, "remove reaction", func(ctx context.Context) error {
			return user.Client.RemoveReaction(ctx, user.Session(), portal.Key.ThreadID, reaction.ItemID)
		})
		if err != nil {
			log.Error().Err(err).Msg("Failed to remove reaction on Threadline")
			return
		}
		if err = reaction.Delete(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to delete reaction mapping after redaction")
		}
		return
	}
	log.Debug().Str("target", evt.Redacts.String()).Msg("Redaction target not mapped, ignoring")
}

func (portal *Portal) handleMatrixTyping(ctx context.Context, evt *event.Event) {
	content, ok := evt.Content.Parsed.(*event.TypingEventContent)
	if !ok {
		return
	}
	typing := make(map[id.UserID]bool, len(content.UserIDs))
	for _, mxid := range content.UserIDs {
		typing[mxid] = true
	}
	for _, user := range portal.bridge.CachedUsers() {
		if !user.IsLoggedIn() {
			continue
		}
		err := user.Client.SetTyping(ctx, user.Session(), portal.Key.ThreadID, typing[user.MXID])
		if err != nil {
			portal.log.Debug().Err(err).Str("user", user.MXID.String()).Msg("Failed to bridge typing state to Threadline")
		}
	}
}

func (portal *Portal) handleMatrixReceipt(ctx context.Context, evt *event.Event) {
	content, ok := evt.Content.Parsed.(*event.ReceiptEventContent)
	if !ok {
		return
	}
	for eventID, receipts := range *content {
		readers, ok := receipts[event.ReceiptTypeRead]
		if !ok {
			continue
		}
		mapping, err := portal.bridge.DB.Message.GetByMXID(ctx, eventID, portal.MXID)
		if err != nil || mapping == nil {
			continue
		}
		for mxid := range readers {
			user := portal.bridge.GetCachedUserByMXID(mxid)
			if user == nil || !user.IsLoggedIn() {
				continue
			}
			err = user.Client.MarkRead(ctx, user.Session(), portal.Key.ThreadID, mapping.ItemID)
			if err != nil {
				portal.log.Debug().Err(err).Str("user", mxid.String()).Msg("Failed to bridge read receipt to Threadline")
			}
		}
	}
}

// handleMatrixMembership reacts to real users leaving the room: a direct
// portal whose owner leaves enters the closing state.
func (portal *Portal) handleMatrixMembership(ctx context.Context, evt *event.Event) {
	content, ok := evt.Content.Parsed.(*event.MemberEventContent)
	if !ok {
		return
	}
	if content.Membership != event.MembershipLeave && content.Membership != event.MembershipBan {
		return
	}
	leaver := id.UserID(evt.GetStateKey())
	if _, isGhost := portal.bridge.Matrix.ParseGhostMXID(leaver); isGhost || leaver == portal.bridge.Matrix.BotMXID() {
		return
	}
	user := portal.bridge.GetCachedUserByMXID(leaver)
	if user == nil || !portal.IsDirect() || user.UserPK != portal.Key.Receiver {
		return
	}
	portal.log.Info().Str("user", leaver.String()).Msg("Portal owner left the room, closing portal")
	portal.closePortal(ctx)
}

// closePortal drives bound → closing: the room is cleaned up and the portal
// row (with its mappings) removed. Terminal for this portal instance.
func (portal *Portal) closePortal(ctx context.Context) {
	portal.setState(stateClosing)
	if portal.MXID != "" {
		if err := portal.bridge.Matrix.CleanupRoom(ctx, portal.MXID); err != nil {
			portal.log.Warn().Err(err).Msg("Failed to clean up room while closing portal")
		}
	}
	if err := portal.Delete(ctx); err != nil {
		portal.log.Error().Err(err).Msg("Failed to delete portal row")
	}
	portal.bridge.removePortal(portal)
}

// Quarantine clears the room binding after an invariant violation and
// returns the portal to unbound so a manual resync can rebuild it.
func (portal *Portal) Quarantine(ctx context.Context) {
	portal.log.Warn().Msg("Quarantining portal")
	oldMXID := portal.MXID
	portal.MXID = ""
	portal.setState(stateUnbound)
	// Mappings point at events in the dead room and would dedup-block a
	// re-import into the replacement room. Reaction rows cascade.
	portal.BackfillCursor = ""
	portal.BackfillOldestTS = 0
	portal.BackfillDone = false
	if err := portal.Update(ctx); err != nil {
		portal.log.Error().Err(err).Msg("Failed to save quarantined portal")
	}
	if oldMXID != "" {
		if err := portal.bridge.DB.Message.DeleteAllInRoom(ctx, oldMXID); err != nil {
			portal.log.Error().Err(err).Msg("Failed to clear mappings of quarantined room")
		}
		portal.bridge.unregisterPortalRoom(oldMXID)
	}
}

// withRetry retries transient remote failures with backoff up to the
// configured ceiling. Rate limits wait out the advised delay without
// counting against the ceiling.
func (portal *Portal) withRetry(ctx context.Context, log zerolog.Logger, action string, fn func(ctx context.Context) error) error {
	ceiling := portal.bridge.Config.Bridge.TransientRetryCeiling
	backoff := time.Second
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, threadline.ErrAuthInvalid) || !threadline.IsTransient(err) {
			return err
		}
		wait := backoff
		if retryAfter, limited := threadline.IsRateLimited(err); limited {
			if retryAfter > 0 {
				wait = retryAfter
			}
			attempt--
		} else if attempt >= ceiling {
			return fmt.Errorf("retries exhausted: %w", err)
		}
		log.Warn().Err(err).Str("action", action).Dur("wait", wait).Msg("Transient remote failure, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// handleBackfillPage imports one page of thread history. Pages arrive newest
// to oldest from the server and are bridged oldest first so room timelines
// read naturally. The pagination cursor only moves after every message on
// the page has been mapped, so a crash mid-page re-imports the page and the
// duplicate checks drop what already landed.
func (portal *Portal) handleBackfillPage(ctx context.Context, user *User, messages []*threadline.Message, nextCursor string, hasMore bool) error {
	if err := portal.ensureBound(ctx, user); err != nil {
		return fmt.Errorf("failed to bind room for backfill: %w", err)
	}
	for i := len(messages) - 1; i >= 0; i-- {
		portal.handleRemoteMessage(ctx, user, messages[i], true)
	}
	portal.BackfillCursor = nextCursor
	portal.BackfillDone = !hasMore
	if err := portal.Update(ctx); err != nil {
		return fmt.Errorf("failed to save backfill cursor: %w", err)
	}
	portal.log.Debug().
		Int("messages", len(messages)).
		Bool("done", portal.BackfillDone).
		Msg("Imported backfill page")
	return nil
}

// sendNotice posts a bot notice into the portal room. Best effort.
func (portal *Portal) sendNotice(ctx context.Context, text string) {
	if portal.MXID == "" {
		return
	}
	content := &event.Content{Parsed: &event.MessageEventContent{MsgType: event.MsgNotice, Body: text}}
	_, err := portal.bridge.Matrix.SendMessage(ctx, portal.bridge.Matrix.BotMXID(), portal.MXID, event.EventMessage, content, time.Now())
	if err != nil {
		portal.log.Warn().Err(err).Msg("Failed to send notice")
	}
}

func (portal *Portal) markRecentSend(clientContext string, eventID id.EventID, sender int64) {
	portal.stateLock.Lock()
	defer portal.stateLock.Unlock()
	window := time.Duration(portal.bridge.Config.Bridge.RecentSendWindowSeconds) * time.Second
	now := time.Now()
	for cc, rs := range portal.recentSends {
		if now.Sub(rs.at) > window {
			delete(portal.recentSends, cc)
		}
	}
	portal.recentSends[clientContext] = recentSend{eventID: eventID, sender: sender, at: now}
}

// takeRecentSend consumes a recent-send entry if it exists and is inside the
// window.
func (portal *Portal) takeRecentSend(clientContext string) (recentSend, bool) {
	portal.stateLock.Lock()
	defer portal.stateLock.Unlock()
	rs, ok := portal.recentSends[clientContext]
	if !ok {
		return recentSend{}, false
	}
	delete(portal.recentSends, clientContext)
	window := time.Duration(portal.bridge.Config.Bridge.RecentSendWindowSeconds) * time.Second
	if time.Since(rs.at) > window {
		return recentSend{}, false
	}
	return rs, true
}

func (portal *Portal) clearRecentSend(clientContext string) {
	portal.stateLock.Lock()
	defer portal.stateLock.Unlock()
	delete(portal.recentSends, clientContext)
}
