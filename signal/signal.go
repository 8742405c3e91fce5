// Package signal announces stored submissions so dashboards can refresh
// live. Events go over redis pub/sub when redis is configured and through an
// in-process broker otherwise.
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"formflip/models"
)

const TypeSubmissionCreated = "submission.created"

const publishTimeout = 2 * time.Second

type Event struct {
	Type         string    `json:"type"`
	FormID       uint      `json:"form_id"`
	SubmissionID uint      `json:"submission_id"`
	At           time.Time `json:"at"`
}

// Channel is the pub/sub channel of one form.
func Channel(formID uint) string {
	return fmt.Sprintf("formflip:forms:%d", formID)
}

type Broker interface {
	Publish(ctx context.Context, event Event) error
	// Subscribe delivers events of one form until cancel is called or ctx ends.
	Subscribe(ctx context.Context, formID uint) (events <-chan Event, cancel func(), err error)
}

func NewRedis(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

type RedisBroker struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewRedisBroker(rdb *redis.Client, logger *zap.Logger) *RedisBroker {
	return &RedisBroker{rdb: rdb, logger: logger}
}

func (b *RedisBroker) Publish(ctx context.Context, event Event) error {
	jsonstr, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, Channel(event.FormID), jsonstr).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, formID uint) (<-chan Event, func(), error) {
	pubsub := b.rdb.Subscribe(ctx, Channel(formID))
	// wait for the subscription to be confirmed so no event published after
	// Subscribe returns is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, err
	}

	out := make(chan Event, 16)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			pubsub.Close()
		})
	}

	go func() {
		defer close(out)
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				cancel()
				return
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.logger.Warn("dropping malformed signal", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				select {
				case out <- event:
				default:
					b.logger.Warn("subscriber too slow, dropping signal", zap.Uint("form_id", formID))
				}
			}
		}
	}()
	return out, cancel, nil
}

// LocalBroker fans events out to subscribers of the same process.
type LocalBroker struct {
	mu   sync.Mutex
	subs map[uint]map[chan Event]struct{}
}

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{subs: make(map[uint]map[chan Event]struct{})}
}

// Publish never blocks; a subscriber with a full buffer misses the event.
func (b *LocalBroker) Publish(_ context.Context, event Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[event.FormID] {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (b *LocalBroker) Subscribe(ctx context.Context, formID uint) (<-chan Event, func(), error) {
	ch := make(chan Event, 16)
	b.mu.Lock()
	if b.subs[formID] == nil {
		b.subs[formID] = make(map[chan Event]struct{})
	}
	b.subs[formID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[formID], ch)
			if len(b.subs[formID]) == 0 {
				delete(b.subs, formID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ch, cancel, nil
}

// Listener publishes an event for every stored submission. Publishing runs in
// the background so the submit request never waits on the broker.
type Listener struct {
	broker Broker
	logger *zap.Logger
	wg     sync.WaitGroup
}

func NewListener(broker Broker, logger *zap.Logger) *Listener {
	return &Listener{broker: broker, logger: logger}
}

func (l *Listener) SubmissionCreated(ctx context.Context, form *models.Form, submission *models.FormSubmission) {
	event := Event{
		Type:         TypeSubmissionCreated,
		FormID:       form.ID,
		SubmissionID: submission.ID,
		At:           submission.SubmittedAt,
	}
	// the request context ends with the response
	ctx = context.WithoutCancel(ctx)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()

		if err := l.broker.Publish(ctx, event); err != nil {
			l.logger.Warn("failed to publish submission signal", zap.Uint("form_id", event.FormID), zap.Error(err))
		}
	}()
}

// Wait blocks until queued events are published.
func (l *Listener) Wait() {
	l.wg.Wait()
}
