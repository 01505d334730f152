// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-threadline/pkg/threadline"
)

func setupPortal(t *testing.T, br *Bridge, fc *fakeClient, user *User, threadID string, threadType threadline.ThreadType) *Portal {
	t.Helper()
	participants := []threadline.Profile{
		{PK: user.UserPK, Username: "me"},
		{PK: 200, Username: "friend", FullName: "Friend"},
	}
	fc.addThread(&threadline.Thread{
		ID:           threadID,
		Type:         threadType,
		Title:        "Test thread",
		Participants: participants,
	})
	portal, err := br.GetPortalByThread(context.Background(), user, threadID)
	if err != nil {
		t.Fatalf("get portal: %v", err)
	}
	return portal
}

func remoteMessage(threadID string, sender, seq int64, text string) *threadline.Message {
	return &threadline.Message{
		ItemID:    fmt.Sprintf("item%d", seq),
		ThreadID:  threadID,
		Sender:    sender,
		Seq:       seq,
		Timestamp: time.Unix(1700000000+seq, 0),
		Text:      text,
	}
}

func TestRemoteMessageBridged(t *testing.T) {
	t.Parallel()
	br, fm, fc := newTestBridge(t)
	user := newTestUser(t, br, 100)
	portal := setupPortal(t, br, fc, user, "t1", threadline.ThreadTypeDirect)
	ctx := context.Background()

	portal.handleRemoteMessage(ctx, user, remoteMessage("t1", 200, 1, "hello"), false)

	if fm.roomCount() != 1 {
		t.Fatalf("room count: got %d, want 1", fm.roomCount())
	}
	if fm.sentCount() != 1 {
		t.Fatalf("sent count: got %d, want 1", fm.sentCount())
	}
	sent := fm.lastSent()
	if sent.Sender != fm.GhostMXID(200) {
		t.Errorf("sender: got %s, want ghost of 200", sent.Sender)
	}
	content, ok := sent.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.Body != "hello" {
		t.Errorf("content body: got %+v", sent.Content.Parsed)
	}
	mapping, err := br.DB.Message.GetByItemID(ctx, portal.Key, "item1")
	if err != nil || mapping == nil {
		t.Fatalf("mapping lookup: %v %v", mapping, err)
	}
	if mapping.MXID != sent.EventID {
		t.Errorf("mapping event ID: got %s, want %s", mapping.MXID, sent.EventID)
	}
	if portal.LastSeq != 1 {
		t.Errorf("last seq: got %d, want 1", portal.LastSeq)
	}
}

func TestRemoteMessageDuplicateDropped(t *testing.T) {
	t.Parallel()
	br, fm, fc := newTestBridge(t)
	user := newTestUser(t, br, 100)
	portal := setupPortal(t, br, fc, user, "t1", threadline.ThreadTypeDirect)
	ctx := context.Background()

	msg := remoteMessage("t1", 200, 1, "hello")
	portal.handleRemoteMessage(ctx, user, msg, false)
	portal.handleRemoteMessage(ctx, user, msg, false)
	portal.handleRemoteMessage(ctx, user, msg, false)

	if fm.sentCount() != 1 {
		t.Errorf("sent count after redelivery: got %d, want 1", fm.sentCount())
	}
}

func TestRemoteTaskOrdering(t *testing.T) {
	t.Parallel()
	user := &User{}
	tasks := []portalTask{
		remoteTask{user: user, evt: threadline.MessageEvent{Message: *remoteMessage("t1", 200, 3, "c")}},
		remoteTask{user: user, evt: threadline.TypingEvent{ThreadID: "t1", Sender: 200, Active: true}},
		remoteTask{user: user, evt: threadline.MessageEvent{Message: *remoteMessage("t1", 200, 1, "a")}},
		remoteTask{user: user, evt: threadline.MessageEvent{Message: *remoteMessage("t1", 200, 2, "b")}},
	}

	orderRemoteTasks(tasks)

	wantSeqs := []int64{1, 0, 2, 3}
	for i, task := range tasks {
		rt, ok := task.(remoteTask)
		if !ok {
			t.Fatalf("task %d is not a remoteTask", i)
		}
		if got := remoteEventSeq(rt.evt); got != wantSeqs[i] {
			t.Errorf("position %d: got seq %d, want %d", i, got, wantSeqs[i])
		}
	}
}

func TestRoomCreationCollapses(t *testing.T) {
	t.Parallel()
	br, fm, fc := newTestBridge(t)
	user := newTestUser(t, br, 100)
	portal := setupPortal(t, br, fc, user, "t1", threadline.ThreadTypeDirect)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := portal.ensureBound(ctx, user); err != nil {
				t.Errorf("ensureBound: %v", err)
			}
		}()
	}
	wg.Wait()

	if fm.roomCount() != 1 {
		t.Errorf("room count: got %d, want 1", fm.roomCount())
	}
	if portal.State() != stateBound {
		t.Errorf("state: got %s, want bound", portal.State())
	}
}

func TestEchoWithMatchingContextAdopted(t *testing.T) {
	t.Parallel()
	br, fm, fc := newTestBridge(t)
	user := newTestUser(t, br, 100)
	portal := setupPortal(t, br, fc, user, "t1", threadline.ThreadTypeDirect)
	ctx := context.Background()
	if err := portal.ensureBound(ctx, user); err != nil {
		t.Fatalf("ensureBound: %v", err)
	}
	sentBefore := fm.sentCount()

	portal.markRecentSend("ctx-abc", "$original", user.UserPK)
	echo := remoteMessage("t1", user.UserPK, 5, "my own message")
	echo.ClientContext = "ctx-abc"
	portal.handleRemoteMessage(ctx, user, echo, false)

	if fm.sentCount() != sentBefore {
		t.Errorf("echo was re-bridged to Matrix")
	}
	mapping, err := br.DB.Message.GetByItemID(ctx, portal.Key, echo.ItemID)
	if err != nil || mapping == nil {
		t.Fatalf("mapping lookup: %v %v", mapping, err)
	}
	if mapping.MXID != "$original" {
		t.Errorf("mapping event ID: got %s, want $original", mapping.MXID)
	}
}

func TestReactionSupersedes(t *testing.T) {
	t.Parallel()
	br, fm, fc := newTestBridge(t)
	user := newTestUser(t, br, 100)
	portal := setupPortal(t, br, fc, user, "t1", threadline.ThreadTypeDirect)
	ctx := context.Background()
	portal.handleRemoteMessage(ctx, user, remoteMessage("t1", 200, 1, "hello"), false)

	portal.handleRemoteReaction(ctx, &threadline.ReactionEvent{
		ThreadID: "t1", ItemID: "item1", Sender: 200, Seq: 2, Emoji: "👍",
	})
	first, err := br.DB.Reaction.GetByItemAndSender(ctx, portal.Key, "item1", 200)
	if err != nil || first == nil {
		t.Fatalf("first reaction lookup: %v %v", first, err)
	}

	portal.handleRemoteReaction(ctx, &threadline.ReactionEvent{
		ThreadID: "t1", ItemID: "item1", Sender: 200, Seq: 3, Emoji: "❤️",
	})

	second, err := br.DB.Reaction.GetByItemAndSender(ctx, portal.Key, "item1", 200)
	if err != nil || second == nil {
		t.Fatalf("second reaction lookup: %v %v", second, err)
	}
	if second.Emoji != "❤️" {
		t.Errorf("emoji: got %s, want ❤️", second.Emoji)
	}
	if second.MXID == first.MXID {
		t.Error("superseding reaction kept the old event ID")
	}
	fm.mu.Lock()
	redacted := append([]id.EventID(nil), fm.redacted...)
	fm.mu.Unlock()
	if len(redacted) != 1 || redacted[0] != first.MXID {
		t.Errorf("redactions: got %v, want [%s]", redacted, first.MXID)
	}
}

func TestDuplicateReactionIgnored(t *testing.T) {
	t.Parallel()
	br, fm, fc := newTestBridge(t)
	user := newTestUser(t, br, 100)
	portal := setupPortal(t, br, fc, user, "t1", threadline.ThreadTypeDirect)
	ctx := context.Background()
	portal.handleRemoteMessage(ctx, user, remoteMessage("t1", 200, 1, "hello"), false)

	evt := &threadline.ReactionEvent{ThreadID: "t1", ItemID: "item1", Sender: 200, Seq: 2, Emoji: "👍"}
	portal.handleRemoteReaction(ctx, evt)
	countAfterFirst := fm.sentCount()
	portal.handleRemoteReaction(ctx, evt)

	if fm.sentCount() != countAfterFirst {
		t.Error("duplicate reaction was re-sent")
	}
}

func TestItemRemoveRedactsAndDeletes(t *testing.T) {
	t.Parallel()
	br, fm, fc := newTestBridge(t)
	user := newTestUser(t, br, 100)
	portal := setupPortal(t, br, fc, user, "t1", threadline.ThreadTypeDirect)
	ctx := context.Background()
	portal.handleRemoteMessage(ctx, user, remoteMessage("t1", 200, 1, "hello"), false)
	mapping, _ := br.DB.Message.GetByItemID(ctx, portal.Key, "item1")
	portal.handleRemoteReaction(ctx, &threadline.ReactionEvent{
		ThreadID: "t1", ItemID: "item1", Sender: 200, Seq: 2, Emoji: "👍",
	})
	reaction, _ := br.DB.Reaction.GetByItemAndSender(ctx, portal.Key, "item1", 200)

	portal.handleRemoteItemRemove(ctx, &threadline.ItemRemoveEvent{
		ThreadID: "t1", ItemID: "item1", Sender: 200, Seq: 3,
	})

	fm.mu.Lock()
	redacted := append([]id.EventID(nil), fm.redacted...)
	fm.mu.Unlock()
	if len(redacted) != 2 {
		t.Fatalf("redactions: got %v, want message and reaction", redacted)
	}
	if redacted[0] != mapping.MXID || redacted[1] != reaction.MXID {
		t.Errorf("redacted %v, want [%s %s]", redacted, mapping.MXID, reaction.MXID)
	}
	gone, err := br.DB.Message.GetByItemID(ctx, portal.Key, "item1")
	if err != nil {
		t.Fatalf("lookup after remove: %v", err)
	}
	if gone != nil {
		t.Errorf("mapping still present after unsend: %+v", gone)
	}
	goneReaction, _ := br.DB.Reaction.GetByItemAndSender(ctx, portal.Key, "item1", 200)
	if goneReaction != nil {
		t.Errorf("reaction mapping still present after unsend: %+v", goneReaction)
	}

	// Removing an unmapped item must be a no-op.
	portal.handleRemoteItemRemove(ctx, &threadline.ItemRemoveEvent{
		ThreadID: "t1", ItemID: "never-seen", Sender: 200, Seq: 3,
	})
}

func TestReplyResolution(t *testing.T) {
	t.Parallel()
	br, fm, fc := newTestBridge(t)
	user := newTestUser(t, br, 100)
	portal := setupPortal(t, br, fc, user, "t1", threadline.ThreadTypeDirect)
	ctx := context.Background()
	portal.handleRemoteMessage(ctx, user, remoteMessage("t1", 200, 1, "original"), false)
	original, _ := br.DB.Message.GetByItemID(ctx, portal.Key, "item1")

	reply := remoteMessage("t1", 200, 2, "the reply")
	reply.ReplyToItemID = "item1"
	portal.handleRemoteMessage(ctx, user, reply, false)

	sent := fm.lastSent()
	content := sent.Content.Parsed.(*event.MessageEventContent)
	if content.RelatesTo == nil || content.RelatesTo.InReplyTo == nil {
		t.Fatal("reply relation missing")
	}
	if content.RelatesTo.InReplyTo.EventID != original.MXID {
		t.Errorf("reply target: got %s, want %s", content.RelatesTo.InReplyTo.EventID, original.MXID)
	}

	// A reply to unmapped history degrades to a plain message.
	orphan := remoteMessage("t1", 200, 3, "orphan reply")
	orphan.ReplyToItemID = "unknown-item"
	portal.handleRemoteMessage(ctx, user, orphan, false)
	content = fm.lastSent().Content.Parsed.(*event.MessageEventContent)
	if content.RelatesTo != nil {
		t.Error("orphan reply should not carry a relation")
	}
}

func TestMatrixMessageMapped(t *testing.T) {
	t.Parallel()
	br, _, fc := newTestBridge(t)
	user := newTestUser(t, br, 100)
	portal := setupPortal(t, br, fc, user, "t1", threadline.ThreadTypeDirect)
	ctx := context.Background()
	if err := portal.ensureBound(ctx, user); err != nil {
		t.Fatalf("ensureBound: %v", err)
	}

	evt := &event.Event{
		ID:     "$mx1",
		RoomID: portal.MXID,
		Sender: user.MXID,
		Type:   event.EventMessage,
		Content: event.Content{Parsed: &event.MessageEventContent{
			MsgType: event.MsgText, Body: "outbound",
		}},
	}
	portal.handleMatrixMessage(ctx, evt)

	if fc.sentTextCount() != 1 {
		t.Fatalf("remote sends: got %d, want 1", fc.sentTextCount())
	}
	fc.mu.Lock()
	sent := fc.sentTexts[0]
	fc.mu.Unlock()
	if sent.Text != "outbound" || sent.ThreadID != "t1" {
		t.Errorf("sent: %+v", sent)
	}
	if sent.ClientContext == "" {
		t.Error("send missing client context")
	}
	mapping, err := br.DB.Message.GetByClientContext(ctx, portal.Key, sent.ClientContext)
	if err != nil || mapping == nil {
		t.Fatalf("mapping lookup: %v %v", mapping, err)
	}
	if mapping.MXID != "$mx1" {
		t.Errorf("mapping MXID: got %s, want $mx1", mapping.MXID)
	}
}

func TestMatrixMessageRetriesTransient(t *testing.T) {
	t.Parallel()
	br, _, fc := newTestBridge(t)
	user := newTestUser(t, br, 100)
	portal := setupPortal(t, br, fc, user, "t1", threadline.ThreadTypeDirect)
	ctx := context.Background()
	if err := portal.ensureBound(ctx, user); err != nil {
		t.Fatalf("ensureBound: %v", err)
	}
	fc.mu.Lock()
	fc.sendErrs = []error{&threadline.NetworkError{Err: fmt.Errorf("connection reset")}}
	fc.mu.Unlock()

	evt := &event.Event{
		ID:     "$mx1",
		RoomID: portal.MXID,
		Sender: user.MXID,
		Type:   event.EventMessage,
		Content: event.Content{Parsed: &event.MessageEventContent{
			MsgType: event.MsgText, Body: "eventually",
		}},
	}
	portal.handleMatrixMessage(ctx, evt)

	if fc.sentTextCount() != 1 {
		t.Errorf("remote sends after retry: got %d, want 1", fc.sentTextCount())
	}
}

func TestMatrixReactionBridged(t *testing.T) {
	t.Parallel()
	br, _, fc := newTestBridge(t)
	user := newTestUser(t, br, 100)
	portal := setupPortal(t, br, fc, user, "t1", threadline.ThreadTypeDirect)
	ctx := context.Background()
	portal.handleRemoteMessage(ctx, user, remoteMessage("t1", 200, 1, "hello"), false)
	mapping, _ := br.DB.Message.GetByItemID(ctx, portal.Key, "item1")

	evt := &event.Event{
		ID:     "$react1",
		RoomID: portal.MXID,
		Sender: user.MXID,
		Type:   event.EventReaction,
		Content: event.Content{Parsed: &event.ReactionEventContent{
			RelatesTo: event.RelatesTo{Type: event.RelAnnotation, EventID: mapping.MXID, Key: "🔥"},
		}},
	}
	portal.handleMatrixReaction(ctx, evt)

	fc.mu.Lock()
	reactions := len(fc.reactions)
	fc.mu.Unlock()
	if reactions != 1 {
		t.Fatalf("remote reactions: got %d, want 1", reactions)
	}
	row, err := br.DB.Reaction.GetByItemAndSender(ctx, portal.Key, "item1", user.UserPK)
	if err != nil || row == nil {
		t.Fatalf("reaction row: %v %v", row, err)
	}
	if row.Emoji != "🔥" {
		t.Errorf("emoji: got %s", row.Emoji)
	}
}

func TestMatrixRedactionUnsends(t *testing.T) {
	t.Parallel()
	br, _, fc := newTestBridge(t)
	user := newTestUser(t, br, 100)
	portal := setupPortal(t, br, fc, user, "t1", threadline.ThreadTypeDirect)
	ctx := context.Background()
	if err := portal.ensureBound(ctx, user); err != nil {
		t.Fatalf("ensureBound: %v", err)
	}
	evt := &event.Event{
		ID:     "$mx1",
		RoomID: portal.MXID,
		Sender: user.MXID,
		Type:   event.EventMessage,
		Content: event.Content{Parsed: &event.MessageEventContent{
			MsgType: event.MsgText, Body: "to be deleted",
		}},
	}
	portal.handleMatrixMessage(ctx, evt)
	fc.mu.Lock()
	clientContext := fc.sentTexts[0].ClientContext
	fc.mu.Unlock()
	mapping, _ := br.DB.Message.GetByClientContext(ctx, portal.Key, clientContext)

	portal.handleMatrixRedaction(ctx, &event.Event{
		ID:      "$redact1",
		RoomID:  portal.MXID,
		Sender:  user.MXID,
		Type:    event.EventRedaction,
		Redacts: mapping.MXID,
	})

	fc.mu.Lock()
	unsent := append([]string(nil), fc.unsent...)
	fc.mu.Unlock()
	if len(unsent) != 1 || unsent[0] != mapping.ItemID {
		t.Errorf("unsent: got %v, want [%s]", unsent, mapping.ItemID)
	}
	gone, _ := br.DB.Message.GetByClientContext(ctx, portal.Key, clientContext)
	if gone != nil {
		t.Error("mapping survived redaction")
	}
}

func TestRelayedMatrixMessagePrefixesSender(t *testing.T) {
	t.Parallel()
	br, _, fc := newTestBridge(t)
	relayUser := newTestUser(t, br, 100)
	portal := setupPortal(t, br, fc, relayUser, "t1", threadline.ThreadTypeDirect)
	portal.RelayUserID = relayUser.MXID
	ctx := context.Background()
	if err := portal.ensureBound(ctx, relayUser); err != nil {
		t.Fatalf("ensureBound: %v", err)
	}

	evt := &event.Event{
		ID:     "$mx1",
		RoomID: portal.MXID,
		Sender: "@stranger:test.local",
		Type:   event.EventMessage,
		Content: event.Content{Parsed: &event.MessageEventContent{
			MsgType: event.MsgText, Body: "hi from matrix",
		}},
	}
	portal.handleMatrixMessage(ctx, evt)

	if fc.sentTextCount() != 1 {
		t.Fatalf("remote sends: got %d, want 1", fc.sentTextCount())
	}
	fc.mu.Lock()
	text := fc.sentTexts[0].Text
	fc.mu.Unlock()
	if text != "@stranger:test.local: hi from matrix" {
		t.Errorf("relayed text: got %q", text)
	}
}

func TestSyncUpdatesGroupName(t *testing.T) {
	t.Parallel()
	br, fm, fc := newTestBridge(t)
	user := newTestUser(t, br, 100)
	portal := setupPortal(t, br, fc, user, "g1", threadline.ThreadTypeGroup)
	ctx := context.Background()
	thread, _ := fc.FetchThread(ctx, nil, "g1")
	portal.handleSync(ctx, user, thread, true)
	if portal.MXID == "" {
		t.Fatal("room not created during sync")
	}

	renamed := *thread
	renamed.Title = "New title"
	portal.handleSync(ctx, user, &renamed, false)

	fm.mu.Lock()
	var found bool
	for _, st := range fm.state {
		if st.Type == event.StateRoomName {
			if c, ok := st.Content.Parsed.(*event.RoomNameEventContent); ok && c.Name == "New title" {
				found = true
			}
		}
	}
	fm.mu.Unlock()
	if !found {
		t.Error("room name state event not sent after rename")
	}
	if portal.Name != "New title" {
		t.Errorf("portal name: got %q", portal.Name)
	}
}

func TestThreadRemoveClosesPortal(t *testing.T) {
	t.Parallel()
	br, fm, fc := newTestBridge(t)
	user := newTestUser(t, br, 100)
	portal := setupPortal(t, br, fc, user, "t1", threadline.ThreadTypeDirect)
	ctx := context.Background()
	portal.handleRemoteMessage(ctx, user, remoteMessage("t1", 200, 1, "hello"), false)
	roomID := portal.MXID

	portal.handleRemoteEvent(ctx, user, threadline.ThreadRemoveEvent{ThreadID: "t1", Seq: 2})

	fm.mu.Lock()
	cleaned := append([]id.RoomID(nil), fm.cleanedUp...)
	fm.mu.Unlock()
	if len(cleaned) != 1 || cleaned[0] != roomID {
		t.Errorf("cleaned rooms: got %v, want [%s]", cleaned, roomID)
	}
	row, err := br.DB.Portal.GetByKey(ctx, portal.Key)
	if err != nil {
		t.Fatalf("portal lookup: %v", err)
	}
	if row != nil {
		t.Error("portal row survived close")
	}
	if br.GetPortalByMXID(roomID) != nil {
		t.Error("portal still registered by room ID")
	}
}

func TestGroupThreadSharesPortalAcrossAccounts(t *testing.T) {
	t.Parallel()
	br, _, fc := newTestBridge(t)
	userA := newTestUser(t, br, 100)
	userB := newTestUser(t, br, 101)
	fc.addThread(&threadline.Thread{
		ID:   "g1",
		Type: threadline.ThreadTypeGroup,
		Participants: []threadline.Profile{
			{PK: 100}, {PK: 101}, {PK: 200},
		},
	})
	ctx := context.Background()

	portalA, err := br.GetPortalByThread(ctx, userA, "g1")
	if err != nil {
		t.Fatalf("portal for A: %v", err)
	}
	portalB, err := br.GetPortalByThread(ctx, userB, "g1")
	if err != nil {
		t.Fatalf("portal for B: %v", err)
	}
	if portalA != portalB {
		t.Error("group thread produced two portals")
	}
	if portalA.Key.Receiver != 0 {
		t.Errorf("group portal receiver: got %d, want 0", portalA.Key.Receiver)
	}
}

func TestQuarantineClearsBinding(t *testing.T) {
	t.Parallel()
	br, _, fc := newTestBridge(t)
	user := newTestUser(t, br, 100)
	portal := setupPortal(t, br, fc, user, "t1", threadline.ThreadTypeDirect)
	ctx := context.Background()
	if err := portal.ensureBound(ctx, user); err != nil {
		t.Fatalf("ensureBound: %v", err)
	}
	roomID := portal.MXID
	portal.handleRemoteMessage(ctx, user, remoteMessage("t1", 200, 1, "hello"), false)
	portal.BackfillCursor = "cursor-5"
	portal.BackfillOldestTS = 1700000000000
	portal.BackfillDone = true

	portal.Quarantine(ctx)

	if portal.MXID != "" || portal.State() != stateUnbound {
		t.Errorf("portal not unbound: mxid=%q state=%s", portal.MXID, portal.State())
	}
	if br.GetPortalByMXID(roomID) != nil {
		t.Error("quarantined portal still registered by room ID")
	}
	row, _ := br.DB.Portal.GetByKey(ctx, portal.Key)
	if row == nil || row.MXID != "" {
		t.Errorf("quarantine not persisted: %+v", row)
	}
	// Mappings of the dead room must not block a rebuilt portal from
	// re-importing its history.
	if count, err := br.DB.Message.CountInRoom(ctx, roomID); err != nil || count != 0 {
		t.Errorf("mappings left in dead room: count=%d err=%v", count, err)
	}
	if row.BackfillCursor != "" || row.BackfillOldestTS != 0 || row.BackfillDone {
		t.Errorf("backfill state not reset: %+v", row)
	}
}

func TestFullQueueHoldsRemoteEvents(t *testing.T) {
	t.Parallel()
	br, fm, fc := newTestBridge(t)
	br.Config.Bridge.PortalQueueSize = 1
	user := newTestUser(t, br, 100)
	portal := setupPortal(t, br, fc, user, "t1", threadline.ThreadTypeDirect)

	// The producer outruns a single-slot queue by far; every event must
	// still come out the other side.
	const total = 50
	for seq := int64(1); seq <= total; seq++ {
		portal.QueueRemoteEvent(user, threadline.MessageEvent{
			Message: *remoteMessage("t1", 200, seq, fmt.Sprintf("msg %d", seq)),
		})
	}

	waitUntil(t, "all queued events bridged", func() bool {
		return fm.sentCount() == total
	})
	waitUntil(t, "last seq persisted", func() bool {
		row, err := br.DB.Portal.GetByKey(context.Background(), portal.Key)
		return err == nil && row != nil && row.LastSeq == total
	})
}

func TestLateLowerSeqMessageStillBridged(t *testing.T) {
	t.Parallel()
	br, fm, fc := newTestBridge(t)
	user := newTestUser(t, br, 100)
	portal := setupPortal(t, br, fc, user, "t1", threadline.ThreadTypeDirect)
	ctx := context.Background()

	// Delivered in separate batches, so the stable seq sort never sees
	// them together. The lower seq still gets bridged on arrival.
	portal.handleRemoteMessage(ctx, user, remoteMessage("t1", 200, 2, "second"), false)
	portal.handleRemoteMessage(ctx, user, remoteMessage("t1", 200, 1, "first"), false)

	if fm.sentCount() != 2 {
		t.Fatalf("sent count: got %d, want 2", fm.sentCount())
	}
	content := fm.lastSent().Content.Parsed.(*event.MessageEventContent)
	if content.Body != "first" {
		t.Errorf("last bridged body: got %q, want the late arrival", content.Body)
	}
	if portal.LastSeq != 2 {
		t.Errorf("last seq: got %d, want 2", portal.LastSeq)
	}
	for _, itemID := range []string{"item1", "item2"} {
		mapping, err := br.DB.Message.GetByItemID(ctx, portal.Key, itemID)
		if err != nil || mapping == nil {
			t.Errorf("mapping for %s: %v %v", itemID, mapping, err)
		}
	}
}
