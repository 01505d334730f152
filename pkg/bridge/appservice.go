// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// ASMatrix is the appservice-backed MatrixAPI implementation. Ghost intents
// are resolved per call; the appservice transaction server feeds inbound
// events into the engine through the event processor.
type ASMatrix struct {
	cfg *Config
	log zerolog.Logger
	as  *appservice.AppService
	ep  *appservice.EventProcessor

	// queue receives inbound events once the engine attaches itself.
	queue func(evt *event.Event)
}

var _ MatrixAPI = (*ASMatrix)(nil)

// NewASMatrix builds the appservice transport from config. Start must be
// called to begin serving transactions.
func NewASMatrix(cfg *Config, log zerolog.Logger) (*ASMatrix, error) {
	as := appservice.Create()
	as.HomeserverDomain = cfg.Homeserver.Domain
	if err := as.SetHomeserverURL(cfg.Homeserver.Address); err != nil {
		return nil, fmt.Errorf("invalid homeserver address: %w", err)
	}
	as.Host = appservice.HostConfig{
		Hostname: cfg.Appservice.Hostname,
		Port:     cfg.Appservice.Port,
	}
	as.Registration = &appservice.Registration{
		ID:              cfg.Appservice.ID,
		URL:             cfg.Appservice.Address,
		AppToken:        cfg.Appservice.ASToken,
		ServerToken:     cfg.Appservice.HSToken,
		SenderLocalpart: cfg.Appservice.BotUsername,
	}
	am := &ASMatrix{
		cfg: cfg,
		log: log.With().Str("component", "matrix").Logger(),
		as:  as,
	}
	am.ep = appservice.NewEventProcessor(as)
	for _, evtType := range []event.Type{
		event.EventMessage, event.EventReaction, event.EventRedaction, event.EventEncrypted,
		event.StateMember, event.EphemeralEventTyping, event.EphemeralEventReceipt,
	} {
		am.ep.On(evtType, am.handleEvent)
	}
	return am, nil
}

// AttachEngine connects inbound event delivery to the engine. Must be called
// before Start.
func (am *ASMatrix) AttachEngine(queue func(evt *event.Event)) {
	am.queue = queue
}

// Start brings the transaction listener up and registers the bot.
func (am *ASMatrix) Start(ctx context.Context) error {
	am.ep.Start(ctx)
	go am.as.Start()
	if err := am.as.BotIntent().EnsureRegistered(ctx); err != nil {
		return fmt.Errorf("failed to register bridge bot: %w", err)
	}
	if am.cfg.Appservice.BotDisplayname != "" {
		if err := am.as.BotIntent().SetDisplayName(ctx, am.cfg.Appservice.BotDisplayname); err != nil {
			am.log.Warn().Err(err).Msg("Failed to set bot displayname")
		}
	}
	return nil
}

// Stop shuts the transaction listener down.
func (am *ASMatrix) Stop() {
	am.as.Stop()
	am.ep.Stop()
}

func (am *ASMatrix) handleEvent(ctx context.Context, evt *event.Event) {
	if am.queue != nil {
		am.queue(evt)
	}
}

func (am *ASMatrix) BotMXID() id.UserID {
	return am.as.BotMXID()
}

func (am *ASMatrix) GhostMXID(pk int64) id.UserID {
	return id.NewUserID(am.cfg.Bridge.FormatUsername(pk), am.cfg.Homeserver.Domain)
}

func (am *ASMatrix) ParseGhostMXID(mxid id.UserID) (int64, bool) {
	localpart, homeserver, err := mxid.Parse()
	if err != nil || homeserver != am.cfg.Homeserver.Domain {
		return 0, false
	}
	return am.cfg.Bridge.ParseUsername(localpart)
}

// CanDoublePuppet is false for now: the transport has no token store, so
// remote echoes of bridged accounts always come from ghosts.
func (am *ASMatrix) CanDoublePuppet(id.UserID) bool {
	return false
}

// ghostIntent returns the intent for a Matrix ID, covering both the bot and
// ghosts.
func (am *ASMatrix) intentFor(ctx context.Context, sender id.UserID) (*appservice.IntentAPI, error) {
	if sender == am.as.BotMXID() {
		return am.as.BotIntent(), nil
	}
	intent := am.as.Intent(sender)
	if err := intent.EnsureRegistered(ctx); err != nil {
		return nil, fmt.Errorf("failed to register ghost %s: %w", sender, err)
	}
	return intent, nil
}

func (am *ASMatrix) CreateRoom(ctx context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error) {
	resp, err := am.as.BotIntent().CreateRoom(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

// CleanupRoom makes every bridge-controlled member leave the room.
func (am *ASMatrix) CleanupRoom(ctx context.Context, roomID id.RoomID) error {
	members, err := am.as.BotIntent().JoinedMembers(ctx, roomID)
	if err != nil {
		return fmt.Errorf("failed to list members: %w", err)
	}
	for mxid := range members.Joined {
		if mxid == am.as.BotMXID() {
			continue
		}
		if _, ghost := am.ParseGhostMXID(mxid); !ghost {
			continue
		}
		if _, err = am.as.Intent(mxid).LeaveRoom(ctx, roomID); err != nil {
			am.log.Warn().Err(err).
				Str("room_id", roomID.String()).
				Str("ghost", mxid.String()).
				Msg("Failed to remove ghost during room cleanup")
		}
	}
	_, err = am.as.BotIntent().LeaveRoom(ctx, roomID)
	return err
}

func (am *ASMatrix) SendMessage(ctx context.Context, sender id.UserID, roomID id.RoomID, evtType event.Type, content *event.Content, ts time.Time) (id.EventID, error) {
	intent, err := am.intentFor(ctx, sender)
	if err != nil {
		return "", err
	}
	if err = intent.EnsureJoined(ctx, roomID); err != nil {
		return "", fmt.Errorf("failed to join before sending: %w", err)
	}
	var resp *mautrix.RespSendEvent
	if ts.IsZero() {
		resp, err = intent.SendMessageEvent(ctx, roomID, evtType, content)
	} else {
		resp, err = intent.SendMassagedMessageEvent(ctx, roomID, evtType, content, ts.UnixMilli())
	}
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (am *ASMatrix) SendState(ctx context.Context, sender id.UserID, roomID id.RoomID, evtType event.Type, stateKey string, content *event.Content) (id.EventID, error) {
	intent, err := am.intentFor(ctx, sender)
	if err != nil {
		return "", err
	}
	resp, err := intent.SendStateEvent(ctx, roomID, evtType, stateKey, content)
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (am *ASMatrix) RedactEvent(ctx context.Context, sender id.UserID, roomID id.RoomID, target id.EventID) (id.EventID, error) {
	intent, err := am.intentFor(ctx, sender)
	if err != nil {
		return "", err
	}
	resp, err := intent.RedactEvent(ctx, roomID, target)
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (am *ASMatrix) InviteUser(ctx context.Context, roomID id.RoomID, target id.UserID) error {
	_, err := am.as.BotIntent().InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: target})
	return err
}

func (am *ASMatrix) EnsureJoined(ctx context.Context, roomID id.RoomID, ghost id.UserID) error {
	intent, err := am.intentFor(ctx, ghost)
	if err != nil {
		return err
	}
	return intent.EnsureJoined(ctx, roomID)
}

func (am *ASMatrix) SetGhostProfile(ctx context.Context, ghost id.UserID, displayname string, avatarURL string) error {
	intent, err := am.intentFor(ctx, ghost)
	if err != nil {
		return err
	}
	if err = intent.SetDisplayName(ctx, displayname); err != nil {
		return fmt.Errorf("failed to set displayname: %w", err)
	}
	if avatarURL != "" {
		uri, err := id.ParseContentURI(avatarURL)
		if err == nil {
			if err = intent.SetAvatarURL(ctx, uri); err != nil {
				return fmt.Errorf("failed to set avatar: %w", err)
			}
		}
	}
	return nil
}

func (am *ASMatrix) SendReceipt(ctx context.Context, sender id.UserID, roomID id.RoomID, target id.EventID) error {
	intent, err := am.intentFor(ctx, sender)
	if err != nil {
		return err
	}
	return intent.MarkRead(ctx, roomID, target)
}

func (am *ASMatrix) SendTyping(ctx context.Context, sender id.UserID, roomID id.RoomID, timeout time.Duration) error {
	intent, err := am.intentFor(ctx, sender)
	if err != nil {
		return err
	}
	_, err = intent.UserTyping(ctx, roomID, timeout > 0, timeout)
	return err
}

func (am *ASMatrix) EnsureEncrypted(ctx context.Context, roomID id.RoomID) error {
	content := &event.Content{Parsed: &event.EncryptionEventContent{
		Algorithm: id.AlgorithmMegolmV1,
	}}
	_, err := am.as.BotIntent().SendStateEvent(ctx, roomID, event.StateEncryption, "", content)
	return err
}

// DecryptEvent passes events through unchanged: this transport carries no
// encryption keys, so encrypted rooms require an external crypto proxy.
func (am *ASMatrix) DecryptEvent(ctx context.Context, evt *event.Event) (*event.Event, error) {
	if evt.Type == event.EventEncrypted {
		return nil, fmt.Errorf("no decryption keys available for %s", evt.ID)
	}
	return evt, nil
}
