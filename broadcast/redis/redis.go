// Package redis implements the realtime broadcast channel on Redis Pub/Sub,
// one channel per event.
package redis

import (
	"context"
	"errors"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	bc "github.com/unkn0wn-root/stagecache/broadcast"
)

var ErrNilClient = errors.New("redis broadcast: nil client")

type Broadcaster struct {
	rdb         goredis.UniversalClient
	prefix      string
	closeClient bool
	buffer      int
}

var _ bc.Broadcaster = (*Broadcaster)(nil)

type Config struct {
	Client      goredis.UniversalClient
	CloseClient bool // set true only if this broadcaster exclusively owns the client
	// ChannelPrefix namespaces event channels; "" => "status".
	ChannelPrefix string
	// Buffer sizes subscriber channels; slow consumers drop messages once it
	// fills (fire-and-forget holds on the receive side too). 0 => 64.
	Buffer int
}

func New(cfg Config) (*Broadcaster, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	if cfg.ChannelPrefix == "" {
		cfg.ChannelPrefix = "status"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	return &Broadcaster{
		rdb:         cfg.Client,
		prefix:      cfg.ChannelPrefix,
		closeClient: cfg.CloseClient,
		buffer:      cfg.Buffer,
	}, nil
}

func (b *Broadcaster) channel(eventID string) string { return b.prefix + ":" + eventID }

func (b *Broadcaster) Broadcast(ctx context.Context, eventID string, payload []byte) error {
	return b.rdb.Publish(ctx, b.channel(eventID), payload).Err()
}

func (b *Broadcaster) Subscribe(ctx context.Context, eventID string) (<-chan []byte, func(), error) {
	ps := b.rdb.Subscribe(ctx, b.channel(eventID))
	// force the subscription onto the wire before returning
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, err
	}

	out := make(chan []byte, b.buffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		src := ps.Channel()
		for {
			select {
			case msg, ok := <-src:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				default: // drop on slow consumer
				}
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = ps.Close()
		})
	}
	return out, cancel, nil
}

// Close releases the underlying redis client only when this broadcaster
// owns it.
func (b *Broadcaster) Close(context.Context) error {
	if b.closeClient {
		if err := b.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}
