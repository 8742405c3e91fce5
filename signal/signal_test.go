package signal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"formflip/models"
)

func receive(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case event, ok := <-events:
		require.True(t, ok, "channel closed")
		return event
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
	return Event{}
}

func TestChannel(t *testing.T) {
	assert.Equal(t, "formflip:forms:42", Channel(42))
}

func TestLocalBrokerDeliversPerForm(t *testing.T) {
	broker := NewLocalBroker()
	ctx := context.Background()

	first, cancelFirst, err := broker.Subscribe(ctx, 1)
	require.NoError(t, err)
	defer cancelFirst()
	other, cancelOther, err := broker.Subscribe(ctx, 2)
	require.NoError(t, err)
	defer cancelOther()

	require.NoError(t, broker.Publish(ctx, Event{Type: TypeSubmissionCreated, FormID: 1, SubmissionID: 7}))

	event := receive(t, first)
	assert.Equal(t, uint(7), event.SubmissionID)
	select {
	case <-other:
		t.Fatal("event leaked to another form")
	default:
	}
}

func TestLocalBrokerCancel(t *testing.T) {
	broker := NewLocalBroker()
	events, cancel, err := broker.Subscribe(context.Background(), 1)
	require.NoError(t, err)

	cancel()
	cancel()
	_, ok := <-events
	assert.False(t, ok)

	// publishing with no subscribers is fine
	assert.NoError(t, broker.Publish(context.Background(), Event{FormID: 1}))
	assert.Empty(t, broker.subs)
}

func TestLocalBrokerContextEnd(t *testing.T) {
	broker := NewLocalBroker()
	ctx, cancel := context.WithCancel(context.Background())
	events, _, err := broker.Subscribe(ctx, 3)
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}
}

type failingBroker struct{ calls int }

func (b *failingBroker) Publish(context.Context, Event) error {
	b.calls++
	return errors.New("redis down")
}

func (b *failingBroker) Subscribe(context.Context, uint) (<-chan Event, func(), error) {
	return nil, nil, errors.New("redis down")
}

func TestListenerPublishesSubmission(t *testing.T) {
	broker := NewLocalBroker()
	events, cancel, err := broker.Subscribe(context.Background(), 5)
	require.NoError(t, err)
	defer cancel()

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	listener := NewListener(broker, zap.NewNop())
	listener.SubmissionCreated(context.Background(), &models.Form{ID: 5}, &models.FormSubmission{ID: 9, FormID: 5, SubmittedAt: at})
	listener.Wait()

	event := receive(t, events)
	assert.Equal(t, Event{Type: TypeSubmissionCreated, FormID: 5, SubmissionID: 9, At: at}, event)
}

func TestListenerSwallowsPublishErrors(t *testing.T) {
	broker := &failingBroker{}
	listener := NewListener(broker, zap.NewNop())
	assert.NotPanics(t, func() {
		listener.SubmissionCreated(context.Background(), &models.Form{ID: 1}, &models.FormSubmission{ID: 1})
	})
	listener.Wait()
	assert.Equal(t, 1, broker.calls)
}

type blockingBroker struct {
	release chan struct{}
	ctxErr  error
}

func (b *blockingBroker) Publish(ctx context.Context, _ Event) error {
	<-b.release
	b.ctxErr = ctx.Err()
	return nil
}

func (b *blockingBroker) Subscribe(context.Context, uint) (<-chan Event, func(), error) {
	return nil, func() {}, nil
}

func TestListenerDoesNotWaitForBroker(t *testing.T) {
	broker := &blockingBroker{release: make(chan struct{})}
	listener := NewListener(broker, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		listener.SubmissionCreated(ctx, &models.Form{ID: 3}, &models.FormSubmission{ID: 4})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SubmissionCreated blocked on the broker")
	}

	// the request finishing does not cancel the publish
	cancel()
	close(broker.release)
	listener.Wait()
	assert.NoError(t, broker.ctxErr)
}
