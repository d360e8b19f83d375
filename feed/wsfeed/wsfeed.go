// Package wsfeed delivers realtime changes and presence over a single
// multiplexed websocket.
//
// One Client holds one socket. Change streams subscribe and unsubscribe
// with control frames and are routed by (resource, scope); presence
// rosters arrive as full per-asset snapshots that the client folds into
// its local copy, so the Client doubles as a livecache.RosterSource.
// Frames are JSON text messages:
//
//	{"type":"subscribe","resource":"asset","scope":"lib-1"}
//	{"type":"change","resource":"asset","scope":"lib-1","payload":{...}}
//	{"type":"roster","payload":{"asset":"a-1","records":[...]}}
//
// The change payload is the same envelope the other feed adapters decode.
package wsfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/softgrid/livecache"
	"github.com/softgrid/livecache/feed"
)

const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	frameChange      = "change"
	framePresence    = "presence"
	frameRoster      = "roster"
	frameError       = "error"

	maxFrameBytes = 1 << 20
)

var errClientClosed = errors.New("wsfeed: client closed")

type frame struct {
	Type     string          `json:"type"`
	Resource string          `json:"resource,omitempty"`
	Scope    string          `json:"scope,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Message  string          `json:"message,omitempty"`
}

type rosterReq struct {
	Asset string `json:"asset"`
	Field string `json:"field,omitempty"`
}

type wireRoster struct {
	Asset   string         `json:"asset"`
	Records []wirePresence `json:"records"`
}

type wirePresence struct {
	ActorID      string    `json:"actor_id"`
	DisplayName  string    `json:"display_name"`
	ColorTag     string    `json:"color_tag,omitempty"`
	Asset        string    `json:"asset,omitempty"`
	Field        string    `json:"field,omitempty"`
	LastActivity time.Time `json:"last_activity"`
	Status       string    `json:"status,omitempty"`
}

func (w wirePresence) record() livecache.PresenceRecord {
	return livecache.PresenceRecord{
		ActorID:      w.ActorID,
		DisplayName:  w.DisplayName,
		ColorTag:     w.ColorTag,
		Focus:        livecache.Focus{Asset: w.Asset, Field: w.Field},
		LastActivity: w.LastActivity,
		Status:       statusOf(w.Status),
	}
}

func statusOf(s string) livecache.PresenceStatus {
	switch s {
	case "idle":
		return livecache.StatusIdle
	case "offline":
		return livecache.StatusOffline
	default:
		return livecache.StatusOnline
	}
}

type Options struct {
	URL    string
	Dialer *websocket.Dialer // nil => websocket.DefaultDialer
	Header http.Header       // auth etc.

	PingInterval time.Duration // 0 => 30s
	WriteTimeout time.Duration // 0 => 10s
	Buffer       int           // per-stream change buffer; 0 => 64

	Logger livecache.Logger
}

type streamKey struct {
	resource, scope string
}

// Client is a connected websocket session. It implements feed.Source for
// change streams and livecache.RosterSource for presence.
type Client struct {
	opts Options
	log  livecache.Logger

	conn *websocket.Conn
	wmu  sync.Mutex // gorilla permits one concurrent writer

	mu      sync.Mutex
	streams map[streamKey]*feed.Pipe
	fold    map[string][]livecache.PresenceRecord
	waits   map[string][]chan []livecache.PresenceRecord
	closed  bool
	closing bool

	done chan struct{} // closed when the reader has torn down
}

var (
	_ feed.Source            = (*Client)(nil)
	_ livecache.RosterSource = (*Client)(nil)
)

// Dial connects and starts the reader and keepalive loops. The caller owns
// the Client and must Close it.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, opts.URL, opts.Header)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return nil, err
	}

	var log livecache.Logger = opts.Logger
	if log == nil {
		log = livecache.NopLogger{}
	}
	c := &Client{
		opts:    opts,
		log:     log,
		conn:    conn,
		streams: make(map[streamKey]*feed.Pipe),
		fold:    make(map[string][]livecache.PresenceRecord),
		waits:   make(map[string][]chan []livecache.PresenceRecord),
		done:    make(chan struct{}),
	}

	ping := dur(opts.PingInterval, 30*time.Second)
	pongWait := ping * 10 / 9
	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.read()
	go c.pinger(ping)
	return c, nil
}

// Open subscribes to topic's change stream. The stream ends when its
// consumer closes it (the client unsubscribes) or the socket dies (the
// stream fails with the socket error).
func (c *Client) Open(ctx context.Context, topic feed.Topic) (feed.Stream, error) {
	key := streamKey{topic.Resource, topic.Scope}
	buffer := c.opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	pipe := feed.NewPipe(buffer)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errClientClosed
	}
	if _, dup := c.streams[key]; dup {
		c.mu.Unlock()
		return nil, fmt.Errorf("wsfeed: already subscribed to %s", topic)
	}
	c.streams[key] = pipe
	c.mu.Unlock()

	if err := c.send(ctx, frame{Type: frameSubscribe, Resource: topic.Resource, Scope: topic.Scope}); err != nil {
		c.mu.Lock()
		if c.streams[key] == pipe {
			delete(c.streams, key)
		}
		c.mu.Unlock()
		return nil, err
	}

	go c.watchStream(key, topic, pipe)
	return pipe, nil
}

// watchStream finishes a stream whose consumer closed it: deregister,
// tell the server, and close the change channel.
func (c *Client) watchStream(key streamKey, topic feed.Topic, pipe *feed.Pipe) {
	select {
	case <-pipe.Done():
	case <-c.done:
		// socket teardown already failed every stream
		return
	}

	c.mu.Lock()
	if c.streams[key] == pipe {
		delete(c.streams, key)
	}
	closed := c.closed
	c.mu.Unlock()

	if !closed {
		_ = c.send(context.Background(), frame{Type: frameUnsubscribe, Resource: topic.Resource, Scope: topic.Scope})
	}
	pipe.CloseSend()
}

// Roster returns the current presence roster around focus. A fold kept
// from presence pushes answers immediately; the first ask for an asset
// requests a snapshot and waits for it.
func (c *Client) Roster(ctx context.Context, focus livecache.Focus) ([]livecache.PresenceRecord, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errClientClosed
	}
	if recs, ok := c.fold[focus.Asset]; ok {
		out := append([]livecache.PresenceRecord(nil), recs...)
		c.mu.Unlock()
		return out, nil
	}
	w := make(chan []livecache.PresenceRecord, 1)
	c.waits[focus.Asset] = append(c.waits[focus.Asset], w)
	c.mu.Unlock()

	payload, err := json.Marshal(rosterReq{Asset: focus.Asset, Field: focus.Field})
	if err != nil {
		c.dropWait(focus.Asset, w)
		return nil, err
	}
	if err := c.send(ctx, frame{Type: frameRoster, Payload: payload}); err != nil {
		c.dropWait(focus.Asset, w)
		return nil, err
	}

	select {
	case recs, ok := <-w:
		if !ok {
			return nil, errClientClosed
		}
		return recs, nil
	case <-ctx.Done():
		c.dropWait(focus.Asset, w)
		return nil, ctx.Err()
	}
}

func (c *Client) dropWait(asset string, w chan []livecache.PresenceRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ws := c.waits[asset]
	for i, cand := range ws {
		if cand == w {
			c.waits[asset] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(c.waits[asset]) == 0 {
		delete(c.waits, asset)
	}
}

// Close sends a close frame, drops the socket and waits for teardown.
func (c *Client) Close() error {
	c.mu.Lock()
	already := c.closing
	c.closing = true
	c.mu.Unlock()
	if already {
		<-c.done
		return nil
	}

	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	_ = c.conn.Close()
	<-c.done
	return nil
}

func (c *Client) send(ctx context.Context, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(dur(c.opts.WriteTimeout, 10*time.Second))
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) read() {
	var cause error
	defer func() { c.teardown(cause) }()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			cause = err
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn("undecodable frame dropped", livecache.Fields{"err": err})
			continue
		}
		switch f.Type {
		case frameChange:
			c.routeChange(f)
		case framePresence, frameRoster:
			c.routeRoster(f)
		case frameError:
			c.log.Warn("server error frame", livecache.Fields{"message": f.Message})
		default:
			c.log.Debug("unknown frame type ignored", livecache.Fields{"type": f.Type})
		}
	}
}

func (c *Client) routeChange(f frame) {
	key := streamKey{f.Resource, f.Scope}
	c.mu.Lock()
	pipe := c.streams[key]
	c.mu.Unlock()
	if pipe == nil {
		c.log.Debug("change for unsubscribed topic dropped", livecache.Fields{
			"resource": f.Resource,
			"scope":    f.Scope,
		})
		return
	}

	topic := feed.Topic{Resource: f.Resource, Scope: f.Scope}
	ch, err := feed.DecodeEnvelope(topic, f.Payload)
	if err != nil {
		c.log.Warn("undecodable change dropped", livecache.Fields{
			"topic": topic.String(),
			"err":   err,
		})
		return
	}
	if !pipe.TrySend(ch) {
		select {
		case <-pipe.Done():
			// consumer left; watchStream is unsubscribing
		default:
			c.log.Warn("stream buffer full; change dropped", livecache.Fields{
				"topic": topic.String(),
			})
		}
	}
}

func (c *Client) routeRoster(f frame) {
	var wr wireRoster
	if err := json.Unmarshal(f.Payload, &wr); err != nil {
		c.log.Warn("undecodable roster dropped", livecache.Fields{"err": err})
		return
	}
	recs := make([]livecache.PresenceRecord, 0, len(wr.Records))
	for _, w := range wr.Records {
		recs = append(recs, w.record())
	}

	c.mu.Lock()
	c.fold[wr.Asset] = recs
	waiters := c.waits[wr.Asset]
	delete(c.waits, wr.Asset)
	c.mu.Unlock()

	for _, w := range waiters {
		w <- recs
	}
}

func (c *Client) pinger(period time.Duration) {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			deadline := time.Now().Add(dur(c.opts.WriteTimeout, 10*time.Second))
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = c.conn.Close() // unblocks the reader, which tears down
				return
			}
		case <-c.done:
			return
		}
	}
}

// teardown runs once, from the reader's exit path: every stream fails
// with the socket's error, roster waiters are released, and Done closes.
func (c *Client) teardown(cause error) {
	if cause == nil {
		cause = errClientClosed
	}

	c.mu.Lock()
	c.closed = true
	streams := c.streams
	waits := c.waits
	c.streams = make(map[streamKey]*feed.Pipe)
	c.waits = make(map[string][]chan []livecache.PresenceRecord)
	c.mu.Unlock()

	for _, pipe := range streams {
		pipe.Fail(cause)
	}
	for _, ws := range waits {
		for _, w := range ws {
			close(w)
		}
	}
	_ = c.conn.Close()
	close(c.done)
}

func dur(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}
