// Copyright 2024-2026 Aiku AI

package threadline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/retryafter"
)

// HTTPClient is the reference implementation of Client against the
// Threadline HTTP API. The event stream is a long-poll loop over the events
// endpoint; when it fails, the stream terminates and reconnecting is the
// caller's responsibility.
type HTTPClient struct {
	BaseURL string
	HTTP    *http.Client
	Log     zerolog.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a client for the given API base URL.
func NewHTTPClient(baseURL string, log zerolog.Logger) *HTTPClient {
	return &HTTPClient{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 2 * time.Minute},
		Log:     log.With().Str("component", "threadline_http").Logger(),
	}
}

// sessionToken is the part of the opaque session blob this transport needs.
type sessionToken struct {
	Token string `json:"token"`
}

func (c *HTTPClient) token(sess *Session) string {
	if sess == nil {
		return ""
	}
	var st sessionToken
	if err := json.Unmarshal(sess.Blob, &st); err != nil {
		return ""
	}
	return st.Token
}

func (c *HTTPClient) request(ctx context.Context, sess *Session, method, path string, query url.Values, body, out any) error {
	reqURL := c.BaseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to prepare request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.token(sess); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &NetworkError{Err: err}
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrAuthInvalid
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitedError{RetryAfter: retryafter.Parse(resp.Header.Get("Retry-After"), 0)}
	case resp.StatusCode >= 500:
		return &NetworkError{Err: fmt.Errorf("server error: HTTP %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		respData, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("threadline: HTTP %d: %s", resp.StatusCode, respData)
	}
	if out != nil {
		if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &NetworkError{Err: fmt.Errorf("failed to decode response: %w", err)}
		}
	}
	return nil
}

func (c *HTTPClient) Login(ctx context.Context, cred Credentials) (*Session, error) {
	var sess Session
	if err := c.request(ctx, nil, http.MethodPost, "/api/v1/login", nil, &cred, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (c *HTTPClient) Logout(ctx context.Context, sess *Session) error {
	return c.request(ctx, sess, http.MethodPost, "/api/v1/logout", nil, nil, nil)
}

func (c *HTTPClient) FetchThreads(ctx context.Context, sess *Session, cursor string, limit int) (*ThreadPage, error) {
	query := url.Values{}
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var page ThreadPage
	if err := c.request(ctx, sess, http.MethodGet, "/api/v1/threads", query, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *HTTPClient) FetchThread(ctx context.Context, sess *Session, threadID string) (*Thread, error) {
	var thread Thread
	err := c.request(ctx, sess, http.MethodGet, "/api/v1/threads/"+url.PathEscape(threadID), nil, nil, &thread)
	if err != nil {
		return nil, err
	}
	return &thread, nil
}

func (c *HTTPClient) FetchMessages(ctx context.Context, sess *Session, threadID, cursor string, limit int) (*MessagePage, error) {
	query := url.Values{}
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var page MessagePage
	err := c.request(ctx, sess, http.MethodGet, "/api/v1/threads/"+url.PathEscape(threadID)+"/items", query, nil, &page)
	if err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *HTTPClient) FetchProfile(ctx context.Context, sess *Session, pk int64) (*Profile, error) {
	var profile Profile
	err := c.request(ctx, sess, http.MethodGet, "/api/v1/users/"+strconv.FormatInt(pk, 10), nil, nil, &profile)
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

func (c *HTTPClient) SendText(ctx context.Context, sess *Session, threadID, clientContext, text string) (*Message, error) {
	body := map[string]string{
		"client_context": clientContext,
		"text":           text,
	}
	var msg Message
	err := c.request(ctx, sess, http.MethodPost, "/api/v1/threads/"+url.PathEscape(threadID)+"/items", nil, body, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *HTTPClient) SendReaction(ctx context.Context, sess *Session, threadID, itemID, emoji string) error {
	body := map[string]string{"emoji": emoji}
	path := "/api/v1/threads/" + url.PathEscape(threadID) + "/items/" + url.PathEscape(itemID) + "/reaction"
	return c.request(ctx, sess, http.MethodPost, path, nil, body, nil)
}

func (c *HTTPClient) RemoveReaction(ctx context.Context, sess *Session, threadID, itemID string) error {
	path := "/api/v1/threads/" + url.PathEscape(threadID) + "/items/" + url.PathEscape(itemID) + "/reaction"
	return c.request(ctx, sess, http.MethodDelete, path, nil, nil, nil)
}

func (c *HTTPClient) UnsendMessage(ctx context.Context, sess *Session, threadID, itemID string) error {
	path := "/api/v1/threads/" + url.PathEscape(threadID) + "/items/" + url.PathEscape(itemID)
	return c.request(ctx, sess, http.MethodDelete, path, nil, nil, nil)
}

func (c *HTTPClient) MarkRead(ctx context.Context, sess *Session, threadID, itemID string) error {
	body := map[string]string{"item_id": itemID}
	return c.request(ctx, sess, http.MethodPost, "/api/v1/threads/"+url.PathEscape(threadID)+"/read", nil, body, nil)
}

func (c *HTTPClient) SetTyping(ctx context.Context, sess *Session, threadID string, active bool) error {
	body := map[string]bool{"active": active}
	return c.request(ctx, sess, http.MethodPost, "/api/v1/threads/"+url.PathEscape(threadID)+"/typing", nil, body, nil)
}

// wireEvent is the tagged JSON shape of one event on the stream endpoint.
type wireEvent struct {
	Type     string    `json:"type"`
	Message  *Message  `json:"message,omitempty"`
	ThreadID string    `json:"thread_id,omitempty"`
	ItemID   string    `json:"item_id,omitempty"`
	Sender   int64     `json:"sender,omitempty"`
	Seq      int64     `json:"seq,omitempty"`
	Emoji    string    `json:"emoji,omitempty"`
	Active   bool      `json:"active,omitempty"`
	Joined   bool      `json:"joined,omitempty"`
	Online   bool      `json:"online,omitempty"`
	LastSeen time.Time `json:"last_seen,omitempty"`
	UserPK   int64     `json:"user_pk,omitempty"`
}

func (we *wireEvent) toEvent() (Event, error) {
	switch we.Type {
	case "message":
		if we.Message == nil {
			return nil, fmt.Errorf("message event without message body")
		}
		return MessageEvent{Message: *we.Message}, nil
	case "reaction":
		return ReactionEvent{ThreadID: we.ThreadID, ItemID: we.ItemID, Sender: we.Sender, Seq: we.Seq, Emoji: we.Emoji}, nil
	case "reaction_remove":
		return ReactionRemoveEvent{ThreadID: we.ThreadID, ItemID: we.ItemID, Sender: we.Sender, Seq: we.Seq}, nil
	case "item_remove":
		return ItemRemoveEvent{ThreadID: we.ThreadID, ItemID: we.ItemID, Sender: we.Sender, Seq: we.Seq}, nil
	case "typing":
		return TypingEvent{ThreadID: we.ThreadID, Sender: we.Sender, Active: we.Active}, nil
	case "receipt":
		return ReceiptEvent{ThreadID: we.ThreadID, ItemID: we.ItemID, Sender: we.Sender}, nil
	case "presence":
		return PresenceEvent{Sender: we.Sender, Online: we.Online, LastSeen: we.LastSeen}, nil
	case "membership":
		return MembershipEvent{ThreadID: we.ThreadID, UserPK: we.UserPK, Seq: we.Seq, Joined: we.Joined}, nil
	case "thread_remove":
		return ThreadRemoveEvent{ThreadID: we.ThreadID, Seq: we.Seq}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", we.Type)
	}
}

type eventBatch struct {
	Events []wireEvent `json:"events"`
	Cursor string      `json:"cursor"`
}

type httpStream struct {
	client    *HTTPClient
	sess      *Session
	events    chan Event
	err       error
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

var _ EventStream = (*httpStream)(nil)

func (c *HTTPClient) Connect(ctx context.Context, sess *Session) (EventStream, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	stream := &httpStream{
		client: c,
		sess:   sess,
		events: make(chan Event, 64),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	// Probe the session up front so a dead session fails Connect instead of
	// the first poll.
	var batch eventBatch
	query := url.Values{"timeout": {"0"}}
	if err := c.request(streamCtx, sess, http.MethodGet, "/api/v1/events", query, nil, &batch); err != nil {
		cancel()
		return nil, err
	}
	go stream.poll(streamCtx, batch)
	return stream, nil
}

func (s *httpStream) poll(ctx context.Context, initial eventBatch) {
	defer close(s.events)
	defer close(s.done)
	batch := initial
	for {
		for _, we := range batch.Events {
			evt, err := we.toEvent()
			if err != nil {
				s.client.Log.Warn().Err(err).Msg("Dropping undecodable event")
				continue
			}
			select {
			case s.events <- evt:
			case <-ctx.Done():
				s.err = ctx.Err()
				return
			}
		}
		query := url.Values{}
		if batch.Cursor != "" {
			query.Set("cursor", batch.Cursor)
		}
		next := eventBatch{Cursor: batch.Cursor}
		if err := s.client.request(ctx, s.sess, http.MethodGet, "/api/v1/events", query, nil, &next); err != nil {
			if ctx.Err() != nil {
				s.err = ctx.Err()
			} else {
				s.err = err
			}
			return
		}
		batch = next
	}
}

func (s *httpStream) Events() <-chan Event {
	return s.events
}

func (s *httpStream) Err() error {
	return s.err
}

func (s *httpStream) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
}
