// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-threadline/pkg/bridge/database"
	"github.com/aiku/mautrix-threadline/pkg/threadline"
)

func newTestBridge(t *testing.T) (*Bridge, *fakeMatrix, *fakeClient) {
	t.Helper()
	raw, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	raw.SetMaxOpenConns(1)
	rawDB, err := dbutil.NewWithDB(raw, "sqlite3")
	if err != nil {
		t.Fatalf("wrap db: %v", err)
	}
	db := database.New(rawDB)
	if err = db.Upgrade(context.Background()); err != nil {
		t.Fatalf("upgrade schema: %v", err)
	}

	cfg := &Config{}
	cfg.Homeserver.Domain = "test.local"
	cfg.Threadline.RatelimitPerSecond = 100000
	cfg.Threadline.RatelimitBurst = 1000
	cfg.Threadline.CallTimeoutSeconds = 5
	cfg.Threadline.ReconnectMinSeconds = 1
	cfg.Threadline.ReconnectMaxSeconds = 1
	if err = cfg.PostProcess(); err != nil {
		t.Fatalf("config post-process: %v", err)
	}

	fm := newFakeMatrix()
	fc := newFakeClient()
	br := New(cfg, zerolog.Nop(), db, fm, fc)
	t.Cleanup(br.bgCancel)
	return br, fm, fc
}

func newTestUser(t *testing.T, br *Bridge, pk int64) *User {
	t.Helper()
	mxid := id.UserID(fmt.Sprintf("@user%d:test.local", pk))
	user, err := br.GetUserByMXID(context.Background(), mxid)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	user.session = &threadline.Session{UserPK: pk, Username: fmt.Sprintf("user%d", pk)}
	user.UserPK = pk
	br.registerUserPK(user)
	return user
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fakeMatrix records every home-network action the engine takes.
type fakeMatrix struct {
	mu sync.Mutex

	roomCounter  int
	eventCounter int

	createRequests []*mautrix.ReqCreateRoom
	createErr      error

	sent      []fakeSentEvent
	sendErr   error
	state     []fakeSentEvent
	redacted  []id.EventID
	cleanedUp []id.RoomID
	joined    map[id.RoomID][]id.UserID
	profiles  map[id.UserID]string
	receipts  int
	typings   int
}

type fakeSentEvent struct {
	Sender   id.UserID
	RoomID   id.RoomID
	Type     event.Type
	StateKey string
	Content  *event.Content
	TS       time.Time
	EventID  id.EventID
}

func newFakeMatrix() *fakeMatrix {
	return &fakeMatrix{
		joined:   make(map[id.RoomID][]id.UserID),
		profiles: make(map[id.UserID]string),
	}
}

var _ MatrixAPI = (*fakeMatrix)(nil)

func (fm *fakeMatrix) BotMXID() id.UserID {
	return "@threadlinebot:test.local"
}

func (fm *fakeMatrix) GhostMXID(pk int64) id.UserID {
	return id.UserID(fmt.Sprintf("@threadline_%d:test.local", pk))
}

func (fm *fakeMatrix) ParseGhostMXID(mxid id.UserID) (int64, bool) {
	s := string(mxid)
	if !strings.HasPrefix(s, "@threadline_") || !strings.HasSuffix(s, ":test.local") {
		return 0, false
	}
	pk, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(s, "@threadline_"), ":test.local"), 10, 64)
	if err != nil {
		return 0, false
	}
	return pk, true
}

func (fm *fakeMatrix) CanDoublePuppet(id.UserID) bool { return false }

func (fm *fakeMatrix) CreateRoom(_ context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if fm.createErr != nil {
		return "", fm.createErr
	}
	fm.roomCounter++
	roomID := id.RoomID(fmt.Sprintf("!room%d:test.local", fm.roomCounter))
	fm.createRequests = append(fm.createRequests, req)
	fm.joined[roomID] = append([]id.UserID{fm.BotMXID()}, req.Invite...)
	return roomID, nil
}

func (fm *fakeMatrix) CleanupRoom(_ context.Context, roomID id.RoomID) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.cleanedUp = append(fm.cleanedUp, roomID)
	delete(fm.joined, roomID)
	return nil
}

func (fm *fakeMatrix) SendMessage(_ context.Context, sender id.UserID, roomID id.RoomID, evtType event.Type, content *event.Content, ts time.Time) (id.EventID, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if fm.sendErr != nil {
		return "", fm.sendErr
	}
	fm.eventCounter++
	eventID := id.EventID(fmt.Sprintf("$event%d", fm.eventCounter))
	fm.sent = append(fm.sent, fakeSentEvent{
		Sender: sender, RoomID: roomID, Type: evtType, Content: content, TS: ts, EventID: eventID,
	})
	return eventID, nil
}

func (fm *fakeMatrix) SendState(_ context.Context, sender id.UserID, roomID id.RoomID, evtType event.Type, stateKey string, content *event.Content) (id.EventID, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.eventCounter++
	eventID := id.EventID(fmt.Sprintf("$state%d", fm.eventCounter))
	fm.state = append(fm.state, fakeSentEvent{
		Sender: sender, RoomID: roomID, Type: evtType, StateKey: stateKey, Content: content, EventID: eventID,
	})
	return eventID, nil
}

func (fm *fakeMatrix) RedactEvent(_ context.Context, _ id.UserID, _ id.RoomID, target id.EventID) (id.EventID, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.redacted = append(fm.redacted, target)
	fm.eventCounter++
	return id.EventID(fmt.Sprintf("$redact%d", fm.eventCounter)), nil
}

func (fm *fakeMatrix) InviteUser(_ context.Context, roomID id.RoomID, target id.UserID) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.joined[roomID] = append(fm.joined[roomID], target)
	return nil
}

func (fm *fakeMatrix) EnsureJoined(_ context.Context, roomID id.RoomID, ghost id.UserID) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	for _, member := range fm.joined[roomID] {
		if member == ghost {
			return nil
		}
	}
	fm.joined[roomID] = append(fm.joined[roomID], ghost)
	return nil
}

func (fm *fakeMatrix) SetGhostProfile(_ context.Context, ghost id.UserID, displayname string, _ string) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.profiles[ghost] = displayname
	return nil
}

func (fm *fakeMatrix) SendReceipt(_ context.Context, _ id.UserID, _ id.RoomID, _ id.EventID) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.receipts++
	return nil
}

func (fm *fakeMatrix) SendTyping(_ context.Context, _ id.UserID, _ id.RoomID, _ time.Duration) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.typings++
	return nil
}

func (fm *fakeMatrix) EnsureEncrypted(context.Context, id.RoomID) error { return nil }

func (fm *fakeMatrix) DecryptEvent(_ context.Context, evt *event.Event) (*event.Event, error) {
	return evt, nil
}

func (fm *fakeMatrix) sentCount() int {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return len(fm.sent)
}

func (fm *fakeMatrix) roomCount() int {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.roomCounter
}

func (fm *fakeMatrix) lastSent() fakeSentEvent {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.sent[len(fm.sent)-1]
}

// fakeClient is a scripted Threadline backend.
type fakeClient struct {
	mu sync.Mutex

	threads map[string]*threadline.Thread
	// history holds thread items oldest first; FetchMessages serves them
	// newest first in pages, like the real server.
	history map[string][]*threadline.Message

	seq int64

	sendErrs    []error
	sentTexts   []sentText
	reactions   []sentReaction
	unsent      []string
	marksRead   int
	fetchErrs   []error
	connectErrs []error
	streams     []*fakeStream
	loginErr    error
}

type sentText struct {
	ThreadID      string
	ClientContext string
	Text          string
}

type sentReaction struct {
	ThreadID string
	ItemID   string
	Emoji    string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		threads: make(map[string]*threadline.Thread),
		history: make(map[string][]*threadline.Message),
	}
}

var _ threadline.Client = (*fakeClient)(nil)

func (fc *fakeClient) addThread(thread *threadline.Thread) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.threads[thread.ID] = thread
}

func (fc *fakeClient) addHistory(threadID string, sender int64, texts ...string) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	for _, text := range texts {
		fc.seq++
		fc.history[threadID] = append(fc.history[threadID], &threadline.Message{
			ItemID:    fmt.Sprintf("item-%s-%d", threadID, fc.seq),
			ThreadID:  threadID,
			Sender:    sender,
			Seq:       fc.seq,
			Timestamp: time.Unix(1700000000+fc.seq, 0),
			Text:      text,
		})
	}
	if thread, ok := fc.threads[threadID]; ok {
		thread.LastSeq = fc.seq
	}
}

func (fc *fakeClient) Login(_ context.Context, cred threadline.Credentials) (*threadline.Session, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.loginErr != nil {
		return nil, fc.loginErr
	}
	return &threadline.Session{UserPK: 100, Username: cred.Username}, nil
}

func (fc *fakeClient) Logout(context.Context, *threadline.Session) error { return nil }

func (fc *fakeClient) Connect(_ context.Context, _ *threadline.Session) (threadline.EventStream, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if len(fc.connectErrs) > 0 {
		err := fc.connectErrs[0]
		fc.connectErrs = fc.connectErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	stream := newFakeStream()
	fc.streams = append(fc.streams, stream)
	return stream, nil
}

func (fc *fakeClient) FetchThreads(_ context.Context, _ *threadline.Session, cursor string, _ int) (*threadline.ThreadPage, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if cursor != "" {
		return &threadline.ThreadPage{}, nil
	}
	page := &threadline.ThreadPage{}
	for _, thread := range fc.threads {
		page.Threads = append(page.Threads, thread)
	}
	return page, nil
}

func (fc *fakeClient) FetchThread(_ context.Context, _ *threadline.Session, threadID string) (*threadline.Thread, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	thread, ok := fc.threads[threadID]
	if !ok {
		return nil, threadline.ErrNotFound
	}
	return thread, nil
}

func (fc *fakeClient) FetchMessages(_ context.Context, _ *threadline.Session, threadID, cursor string, limit int) (*threadline.MessagePage, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if len(fc.fetchErrs) > 0 {
		err := fc.fetchErrs[0]
		fc.fetchErrs = fc.fetchErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	history := fc.history[threadID]
	// Cursor is the count of already-served (newer) messages.
	offset := 0
	if cursor != "" {
		offset, _ = strconv.Atoi(cursor)
	}
	page := &threadline.MessagePage{}
	end := len(history) - offset
	start := end - limit
	if start < 0 {
		start = 0
	}
	for i := end - 1; i >= start; i-- {
		page.Messages = append(page.Messages, history[i])
	}
	if start > 0 {
		page.HasMore = true
		page.Cursor = strconv.Itoa(offset + (end - start))
	}
	return page, nil
}

func (fc *fakeClient) FetchProfile(_ context.Context, _ *threadline.Session, pk int64) (*threadline.Profile, error) {
	return &threadline.Profile{PK: pk, Username: fmt.Sprintf("user%d", pk)}, nil
}

func (fc *fakeClient) SendText(_ context.Context, sess *threadline.Session, threadID, clientContext, text string) (*threadline.Message, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if len(fc.sendErrs) > 0 {
		err := fc.sendErrs[0]
		fc.sendErrs = fc.sendErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	fc.seq++
	msg := &threadline.Message{
		ItemID:        fmt.Sprintf("item-%s-%d", threadID, fc.seq),
		ThreadID:      threadID,
		Sender:        sess.UserPK,
		Seq:           fc.seq,
		Timestamp:     time.Unix(1700000000+fc.seq, 0),
		Text:          text,
		ClientContext: clientContext,
	}
	fc.history[threadID] = append(fc.history[threadID], msg)
	fc.sentTexts = append(fc.sentTexts, sentText{ThreadID: threadID, ClientContext: clientContext, Text: text})
	return msg, nil
}

func (fc *fakeClient) SendReaction(_ context.Context, _ *threadline.Session, threadID, itemID, emoji string) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.reactions = append(fc.reactions, sentReaction{ThreadID: threadID, ItemID: itemID, Emoji: emoji})
	return nil
}

func (fc *fakeClient) RemoveReaction(_ context.Context, _ *threadline.Session, threadID, itemID string) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.reactions = append(fc.reactions, sentReaction{ThreadID: threadID, ItemID: itemID})
	return nil
}

func (fc *fakeClient) UnsendMessage(_ context.Context, _ *threadline.Session, _ string, itemID string) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.unsent = append(fc.unsent, itemID)
	return nil
}

func (fc *fakeClient) MarkRead(_ context.Context, _ *threadline.Session, _ string, _ string) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.marksRead++
	return nil
}

func (fc *fakeClient) SetTyping(context.Context, *threadline.Session, string, bool) error {
	return nil
}

func (fc *fakeClient) sentTextCount() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return len(fc.sentTexts)
}

func (fc *fakeClient) streamCount() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return len(fc.streams)
}

func (fc *fakeClient) latestStream() *fakeStream {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if len(fc.streams) == 0 {
		return nil
	}
	return fc.streams[len(fc.streams)-1]
}

// fakeStream is a manually driven event stream.
type fakeStream struct {
	events chan threadline.Event
	err    error
	once   sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan threadline.Event, 16)}
}

func (fs *fakeStream) Events() <-chan threadline.Event { return fs.events }
func (fs *fakeStream) Err() error                      { return fs.err }
func (fs *fakeStream) Close()                          { fs.once.Do(func() { close(fs.events) }) }

func (fs *fakeStream) deliver(evt threadline.Event) { fs.events <- evt }

func (fs *fakeStream) fail(err error) {
	fs.err = err
	fs.Close()
}
