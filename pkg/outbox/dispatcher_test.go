package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"subscribe-service/pkg/trace"
)

type fakeStore struct {
	pending []*Event
	sent    []int64
	failed  []int64
	byID    map[int64]*Event
}

func (f *fakeStore) GetPendingEvents(_ context.Context, limit int) ([]*Event, error) {
	if len(f.pending) > limit {
		return f.pending[:limit], nil
	}
	return f.pending, nil
}

func (f *fakeStore) MarkAsSent(_ context.Context, id int64) error {
	f.sent = append(f.sent, id)
	return nil
}

func (f *fakeStore) MarkAsFailed(_ context.Context, id int64, _ int) error {
	f.failed = append(f.failed, id)
	return nil
}

func (f *fakeStore) GetEventByID(_ context.Context, id int64) (*Event, error) {
	if e, ok := f.byID[id]; ok {
		return e, nil
	}
	return nil, ErrEventNotFound
}

func (f *fakeStore) GetFailedEvents(_ context.Context, _ int) ([]*Event, error) {
	var out []*Event
	for _, e := range f.byID {
		if e.Status == StatusFailed {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakePublisher struct {
	failKey  string
	keys     []string
	traceIDs []string
}

func (p *fakePublisher) PublishWithContext(ctx context.Context, routingKey string, _ any) error {
	if routingKey == p.failKey {
		return errors.New("broker down")
	}
	p.keys = append(p.keys, routingKey)
	p.traceIDs = append(p.traceIDs, trace.FromContext(ctx))
	return nil
}

func TestDispatchPendingMarksOutcome(t *testing.T) {
	store := &fakeStore{pending: []*Event{
		{ID: 1, RoutingKey: "mail.send", Payload: json.RawMessage(`{"trace_id":"abc"}`)},
		{ID: 2, RoutingKey: "broken", Payload: json.RawMessage(`{}`)},
	}}
	pub := &fakePublisher{failKey: "broken"}

	d := NewDispatcher(store, pub, zap.NewNop())
	published := d.DispatchPending(context.Background())

	assert.Equal(t, 1, published)
	assert.Equal(t, []int64{1}, store.sent)
	assert.Equal(t, []int64{2}, store.failed)
	assert.Equal(t, []string{"abc"}, pub.traceIDs)
}

func TestDispatchPendingRespectsBatchSize(t *testing.T) {
	store := &fakeStore{pending: []*Event{
		{ID: 1, RoutingKey: "a", Payload: json.RawMessage(`{}`)},
		{ID: 2, RoutingKey: "b", Payload: json.RawMessage(`{}`)},
	}}
	pub := &fakePublisher{}

	d := NewDispatcher(store, pub, zap.NewNop()).WithBatchSize(1)
	d.DispatchPending(context.Background())

	assert.Equal(t, []string{"a"}, pub.keys)
}

func TestNextAttempt(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	status, next := NextAttempt(2, 5, now)
	assert.Equal(t, StatusPending, status)
	require.NotNil(t, next)
	assert.Equal(t, now.Add(10*time.Second), *next)

	status, next = NextAttempt(5, 5, now)
	assert.Equal(t, StatusFailed, status)
	assert.Nil(t, next)
}

func TestReplayFailedEvents(t *testing.T) {
	store := &fakeStore{byID: map[int64]*Event{
		7: {ID: 7, RoutingKey: "mail.send", Status: StatusFailed, Payload: json.RawMessage(`{}`)},
		8: {ID: 8, RoutingKey: "broken", Status: StatusFailed, Payload: json.RawMessage(`{}`)},
	}}
	pub := &fakePublisher{failKey: "broken"}

	n, err := NewReplayService(store, pub).ReplayFailedEvents(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{7}, store.sent)
	assert.Equal(t, []int64{8}, store.failed)
}

func TestReplayUnknownEvent(t *testing.T) {
	err := NewReplayService(&fakeStore{}, &fakePublisher{}).ReplayEvent(context.Background(), 99)
	assert.ErrorIs(t, err, ErrEventNotFound)
}
