package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const mirrorQueueSize = 256

type mirrorOp struct {
	participant *Participant
	ttl         time.Duration
	documentID  string
	handle      string
}

// RedisMirror copies local presence into Redis so other API instances can
// list a document's participants. Keys expire after the inactivity timeout.
type RedisMirror struct {
	client    *redis.Client
	prefix    string
	ops       chan mirrorOp
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	logger    zerolog.Logger
}

func NewRedisMirror(redisURL string, logger zerolog.Logger) (*RedisMirror, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisMirrorWithClient(client, logger), nil
}

func NewRedisMirrorWithClient(client *redis.Client, logger zerolog.Logger) *RedisMirror {
	m := &RedisMirror{
		client: client,
		prefix: "presence:",
		ops:    make(chan mirrorOp, mirrorQueueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger.With().Str("component", "presence-mirror").Logger(),
	}
	go m.loop()
	return m
}

func (m *RedisMirror) key(documentID, handle string) string {
	return m.prefix + documentID + ":" + handle
}

// Publish queues a write and returns immediately. Writes are dropped when the
// queue is full.
func (m *RedisMirror) Publish(p Participant, ttl time.Duration) {
	m.enqueue(mirrorOp{participant: &p, ttl: ttl})
}

func (m *RedisMirror) Withdraw(documentID, handle string) {
	m.enqueue(mirrorOp{documentID: documentID, handle: handle})
}

func (m *RedisMirror) enqueue(op mirrorOp) {
	select {
	case m.ops <- op:
	default:
		m.logger.Warn().Msg("presence mirror queue full; dropping write")
	}
}

func (m *RedisMirror) loop() {
	defer close(m.done)
	for {
		select {
		case <-m.stop:
			return
		case op := <-m.ops:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			var err error
			if op.participant != nil {
				err = m.Save(ctx, *op.participant, op.ttl)
			} else {
				err = m.Delete(ctx, op.documentID, op.handle)
			}
			cancel()
			if err != nil {
				m.logger.Warn().Err(err).Msg("presence mirror write failed")
			}
		}
	}
}

func (m *RedisMirror) Save(ctx context.Context, p Participant, ttl time.Duration) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal participant: %w", err)
	}
	if ttl <= 0 {
		ttl = 45 * time.Second
	}
	if err := m.client.Set(ctx, m.key(p.DocumentID, p.Handle), data, ttl).Err(); err != nil {
		return fmt.Errorf("save participant: %w", err)
	}
	return nil
}

func (m *RedisMirror) Delete(ctx context.Context, documentID, handle string) error {
	if err := m.client.Del(ctx, m.key(documentID, handle)).Err(); err != nil {
		return fmt.Errorf("delete participant: %w", err)
	}
	return nil
}

// List returns the participants every instance has mirrored for documentID.
func (m *RedisMirror) List(ctx context.Context, documentID string) ([]Participant, error) {
	keys := make([]string, 0)
	var cursor uint64
	for {
		batch, next, err := m.client.Scan(ctx, cursor, m.prefix+documentID+":*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan participants: %w", err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			break
		}
		cursor = next
	}
	if len(keys) == 0 {
		return []Participant{}, nil
	}

	values, err := m.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}
	out := make([]Participant, 0, len(values))
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var p Participant
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("unmarshal participant: %w", err)
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out, nil
}

func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Close stops the writer and closes the Redis connection. Queued writes that
// have not started are discarded.
func (m *RedisMirror) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.stop)
		<-m.done
		err = m.client.Close()
	})
	return err
}
