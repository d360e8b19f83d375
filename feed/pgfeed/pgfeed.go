// Package pgfeed delivers realtime changes over Postgres LISTEN/NOTIFY.
//
// The backend is expected to NOTIFY one channel per (resource, scope)
// pair, with the JSON change envelope as the payload. NOTIFY payloads are
// capped at 8000 bytes, so envelopes usually carry keys and a few columns;
// that is enough, the engine refetches data through its producers anyway.
//
// Each open stream holds a dedicated listener connection that pq reconnects
// on its own. Notifications sent while the connection was down are lost;
// the stream logs the gap and keeps going. The engine recovers on the next
// read: re-observations refetch by default, and MarkStale forces a refetch
// on queries known to be affected.
package pgfeed

import (
	"context"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/softgrid/livecache"
	"github.com/softgrid/livecache/feed"
)

type Options struct {
	// Channel maps a topic to the NOTIFY channel name the backend uses.
	// Default "{resource}_{scope}"; pq quotes the identifier, so scope ids
	// with dashes are fine.
	Channel func(feed.Topic) string

	MinReconnect time.Duration // 0 => 10s
	MaxReconnect time.Duration // 0 => 1m
	PingInterval time.Duration // idle liveness probe; 0 => 90s

	Buffer int // per-stream change buffer; 0 => 64

	Logger livecache.Logger
}

// Source opens feed streams over LISTEN/NOTIFY.
type Source struct {
	conninfo string
	opts     Options
	log      livecache.Logger
}

var _ feed.Source = (*Source)(nil)

func NewSource(conninfo string, opts Options) *Source {
	var log livecache.Logger = opts.Logger
	if log == nil {
		log = livecache.NopLogger{}
	}
	return &Source{conninfo: conninfo, opts: opts, log: log}
}

func (s *Source) channel(t feed.Topic) string {
	if s.opts.Channel != nil {
		return s.opts.Channel(t)
	}
	return t.Resource + "_" + t.Scope
}

func (s *Source) Open(ctx context.Context, topic feed.Topic) (feed.Stream, error) {
	l := pq.NewListener(s.conninfo,
		dur(s.opts.MinReconnect, 10*time.Second),
		dur(s.opts.MaxReconnect, time.Minute),
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				s.log.Warn("pg listener event", livecache.Fields{
					"event": listenerEventName(ev),
					"err":   err,
				})
			}
		})

	// Listen blocks until the connection is up; honor ctx while it does.
	errc := make(chan error, 1)
	go func() { errc <- l.Listen(s.channel(topic)) }()
	select {
	case err := <-errc:
		if err != nil {
			_ = l.Close()
			return nil, err
		}
	case <-ctx.Done():
		_ = l.Close()
		return nil, ctx.Err()
	}

	buffer := s.opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	pipe := feed.NewPipe(buffer)
	go s.pump(l, topic, pipe)
	return pipe, nil
}

func (s *Source) pump(l *pq.Listener, topic feed.Topic, pipe *feed.Pipe) {
	defer func() {
		_ = l.Close()
		pipe.CloseSend()
	}()

	ping := time.NewTicker(dur(s.opts.PingInterval, 90*time.Second))
	defer ping.Stop()

	for {
		select {
		case n, ok := <-l.Notify:
			if !ok {
				pipe.Fail(errors.New("pgfeed: listener closed"))
				return
			}
			if n == nil {
				// pq delivers nil after re-establishing the connection; it
				// has re-issued LISTEN, but anything notified meanwhile is
				// gone.
				s.log.Warn("pg listener reconnected; notifications may have been missed", livecache.Fields{
					"topic": topic.String(),
				})
				continue
			}
			ch, err := feed.DecodeEnvelope(topic, []byte(n.Extra))
			if err != nil {
				s.log.Warn("undecodable notification dropped", livecache.Fields{
					"channel": n.Channel,
					"err":     err,
				})
				continue
			}
			if err := pipe.Send(context.Background(), ch); err != nil {
				return
			}
		case <-ping.C:
			if err := l.Ping(); err != nil {
				s.log.Warn("pg listener ping failed", livecache.Fields{
					"topic": topic.String(),
					"err":   err,
				})
			}
		case <-pipe.Done():
			return
		}
	}
}

func listenerEventName(ev pq.ListenerEventType) string {
	switch ev {
	case pq.ListenerEventConnected:
		return "connected"
	case pq.ListenerEventDisconnected:
		return "disconnected"
	case pq.ListenerEventReconnected:
		return "reconnected"
	case pq.ListenerEventConnectionAttemptFailed:
		return "connection_attempt_failed"
	default:
		return "unknown"
	}
}

func dur(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}
