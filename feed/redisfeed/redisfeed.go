// Package redisfeed delivers realtime changes over Redis pub/sub.
//
// The backend publishes one channel per (resource, scope) pair with the
// JSON change envelope as the payload. go-redis re-subscribes after a
// dropped connection on its own; messages published while it was down are
// lost. The engine recovers on the next read: re-observations refetch by
// default, and MarkStale forces a refetch on queries known to be affected.
package redisfeed

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/softgrid/livecache"
	"github.com/softgrid/livecache/feed"
)

var errNilClient = errors.New("redisfeed: nil redis client")

type Options struct {
	// Channel maps a topic to the pub/sub channel the backend publishes.
	// Default "{resource}:{scope}".
	Channel func(feed.Topic) string

	Buffer int // per-stream change buffer; 0 => 64

	Logger livecache.Logger
}

// Source opens feed streams over Redis pub/sub. The client is shared and
// stays open; closing a stream only ends its subscription.
type Source struct {
	client redis.UniversalClient
	opts   Options
	log    livecache.Logger
}

var _ feed.Source = (*Source)(nil)

func NewSource(client redis.UniversalClient, opts Options) *Source {
	var log livecache.Logger = opts.Logger
	if log == nil {
		log = livecache.NopLogger{}
	}
	return &Source{client: client, opts: opts, log: log}
}

func (s *Source) channel(t feed.Topic) string {
	if s.opts.Channel != nil {
		return s.opts.Channel(t)
	}
	return t.Resource + ":" + t.Scope
}

func (s *Source) Open(ctx context.Context, topic feed.Topic) (feed.Stream, error) {
	if s.client == nil {
		return nil, errNilClient
	}
	ps := s.client.Subscribe(ctx, s.channel(topic))
	// Wait for the subscription confirmation so a returned stream is
	// actually receiving.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	buffer := s.opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	pipe := feed.NewPipe(buffer)
	go s.pump(ps, topic, pipe)
	return pipe, nil
}

func (s *Source) pump(ps *redis.PubSub, topic feed.Topic, pipe *feed.Pipe) {
	defer func() {
		_ = ps.Close()
		pipe.CloseSend()
	}()

	msgs := ps.Channel()
	for {
		select {
		case m, ok := <-msgs:
			if !ok {
				pipe.Fail(errors.New("redisfeed: subscription closed"))
				return
			}
			ch, err := feed.DecodeEnvelope(topic, []byte(m.Payload))
			if err != nil {
				s.log.Warn("undecodable message dropped", livecache.Fields{
					"channel": m.Channel,
					"err":     err,
				})
				continue
			}
			if err := pipe.Send(context.Background(), ch); err != nil {
				return
			}
		case <-pipe.Done():
			return
		}
	}
}
