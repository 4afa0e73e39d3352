package forwarder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/beaconsafe/sentinel/errs"
	"github.com/beaconsafe/sentinel/internal/domain/workqueue"
	"github.com/beaconsafe/sentinel/internal/remote"
)

// memoryQueue implements workqueue.Store over a map for forwarder tests.
type memoryQueue struct {
	mu     sync.Mutex
	nextID int64
	items  map[int64]*workqueue.Item
	now    time.Time
}

func newMemoryQueue() *memoryQueue {
	return &memoryQueue{items: make(map[int64]*workqueue.Item), now: time.Now().UTC()}
}

func (q *memoryQueue) Enqueue(_ context.Context, evt workqueue.Event) (workqueue.Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	item := &workqueue.Item{
		ID:          q.nextID,
		SubjectID:   evt.SubjectID,
		Kind:        evt.Kind,
		Payload:     evt.Payload,
		Status:      workqueue.StatusPending,
		CreatedAt:   q.now.Add(time.Duration(q.nextID) * time.Millisecond),
		NextRetryAt: q.now,
	}
	q.items[item.ID] = item
	return *item, nil
}

func (q *memoryQueue) DequeueReady(_ context.Context, limit int) ([]workqueue.Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ready := make([]workqueue.Item, 0, limit)
	for _, item := range q.items {
		if item.Status != workqueue.StatusPending && item.Status != workqueue.StatusFailed {
			continue
		}
		if item.NextRetryAt.After(q.now) {
			continue
		}
		ready = append(ready, *item)
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].CreatedAt.Before(ready[j].CreatedAt) })
	if len(ready) > limit {
		ready = ready[:limit]
	}
	return ready, nil
}

func (q *memoryQueue) MarkSending(_ context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return errors.New("item missing")
	}
	item.Status = workqueue.StatusSending
	item.Attempts++
	now := q.now
	item.LastAttemptAt = &now
	return nil
}

func (q *memoryQueue) MarkFailed(_ context.Context, id int64, message string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return errors.New("item missing")
	}
	item.Status = workqueue.StatusFailed
	item.ErrorMessage = message
	item.NextRetryAt = q.now.Add(delay)
	return nil
}

func (q *memoryQueue) MarkSent(_ context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return errors.New("item missing")
	}
	item.Status = workqueue.StatusSent
	item.ErrorMessage = ""
	return nil
}

func (q *memoryQueue) RecoverStuck(context.Context) (int64, error) { return 0, nil }

func (q *memoryQueue) EnforceMaxSize(context.Context, int) (int64, error) { return 0, nil }

func (q *memoryQueue) PurgeSent(context.Context, time.Time) (int64, error) { return 0, nil }

func (q *memoryQueue) Depth(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var depth int64
	for _, item := range q.items {
		if item.Status != workqueue.StatusSent {
			depth++
		}
	}
	return depth, nil
}

func (q *memoryQueue) get(id int64) workqueue.Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return *q.items[id]
}

var _ workqueue.Store = (*memoryQueue)(nil)

type fakeAlertSender struct {
	mu        sync.Mutex
	failFor   map[string]error
	sent      []remote.AlertEnvelope
	suspended bool
}

func (s *fakeAlertSender) PostAlert(_ context.Context, envelope remote.AlertEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failFor[envelope.SubjectID]; ok {
		return err
	}
	s.sent = append(s.sent, envelope)
	return nil
}

func (s *fakeAlertSender) Suspended() bool { return s.suspended }

type fakeHeartbeatSender struct {
	mu        sync.Mutex
	err       error
	batches   [][]remote.HeartbeatEnvelope
	suspended bool
}

func (s *fakeHeartbeatSender) PostHeartbeatBatch(_ context.Context, items []remote.HeartbeatEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, items)
	return nil
}

func (s *fakeHeartbeatSender) Suspended() bool { return s.suspended }

func enqueue(t *testing.T, q *memoryQueue, subjectID, kind string) workqueue.Item {
	t.Helper()
	item, err := q.Enqueue(context.Background(), workqueue.Event{
		SubjectID: subjectID,
		Kind:      kind,
		Payload:   json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	return item
}

func TestAlertForwarderDeliversBatch(t *testing.T) {
	queue := newMemoryQueue()
	a := enqueue(t, queue, "screen-1", "ncmec_match")
	b := enqueue(t, queue, "screen-2", "ncmec_match")

	sender := &fakeAlertSender{}
	fwd := NewAlertForwarder(queue, sender, 25)

	result, err := fwd.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, result.Dequeued)
	require.Equal(t, 2, result.Delivered)
	require.Zero(t, result.Failed)

	require.Equal(t, workqueue.StatusSent, queue.get(a.ID).Status)
	require.Equal(t, workqueue.StatusSent, queue.get(b.ID).Status)
	require.Len(t, sender.sent, 2)
}

func TestAlertForwarderContinuesPastIndividualFailure(t *testing.T) {
	queue := newMemoryQueue()
	bad := enqueue(t, queue, "screen-bad", "ncmec_match")
	good := enqueue(t, queue, "screen-good", "ncmec_match")

	sender := &fakeAlertSender{failFor: map[string]error{
		"screen-bad": errs.New("remote", errs.CodeRemote, errs.WithMessage("rejected")),
	}}
	fwd := NewAlertForwarder(queue, sender, 25)

	result, err := fwd.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Delivered)
	require.Equal(t, 1, result.Failed)

	failedItem := queue.get(bad.ID)
	require.Equal(t, workqueue.StatusFailed, failedItem.Status)
	require.Contains(t, failedItem.ErrorMessage, "rejected")
	require.Equal(t, 1, failedItem.Attempts)
	// Alert retries use a fixed delay.
	require.Equal(t, queue.now.Add(30*time.Second), failedItem.NextRetryAt)

	require.Equal(t, workqueue.StatusSent, queue.get(good.ID).Status)
}

func TestAlertForwarderDrainsBacklogInOneRun(t *testing.T) {
	queue := newMemoryQueue()
	for i := 0; i < 5; i++ {
		enqueue(t, queue, fmt.Sprintf("screen-%d", i), "ncmec_match")
	}

	sender := &fakeAlertSender{}
	fwd := NewAlertForwarder(queue, sender, 2)

	result, err := fwd.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, result.Dequeued, "a backlog beyond one batch drains in a single run")
	require.Equal(t, 5, result.Delivered)
	require.Len(t, sender.sent, 5)
}

func TestAlertForwarderNeverDeletesFailedItems(t *testing.T) {
	queue := newMemoryQueue()
	item := enqueue(t, queue, "screen-1", "ncmec_match")

	sender := &fakeAlertSender{failFor: map[string]error{
		"screen-1": errors.New("boom"),
	}}
	fwd := NewAlertForwarder(queue, sender, 25)

	for i := 0; i < 4; i++ {
		queue.now = queue.now.Add(time.Minute)
		_, err := fwd.Run(context.Background())
		require.NoError(t, err)
	}

	stored := queue.get(item.ID)
	require.Equal(t, workqueue.StatusFailed, stored.Status)
	require.Equal(t, 4, stored.Attempts)
}

func TestAlertForwarderSkipsWhenSuspended(t *testing.T) {
	queue := newMemoryQueue()
	item := enqueue(t, queue, "screen-1", "ncmec_match")

	sender := &fakeAlertSender{suspended: true}
	fwd := NewAlertForwarder(queue, sender, 25)

	result, err := fwd.Run(context.Background())
	require.NoError(t, err)
	require.True(t, result.Skipped)
	require.Zero(t, result.Dequeued)
	require.Equal(t, workqueue.StatusPending, queue.get(item.ID).Status)
}

func TestHeartbeatForwarderDeliversSingleBatch(t *testing.T) {
	queue := newMemoryQueue()
	a := enqueue(t, queue, "screen-1", workqueue.HeartbeatKind)
	b := enqueue(t, queue, "screen-2", workqueue.HeartbeatKind)

	sender := &fakeHeartbeatSender{}
	fwd := NewHeartbeatForwarder(queue, sender, 50)

	result, err := fwd.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, result.Delivered)
	require.Len(t, sender.batches, 1)
	require.Len(t, sender.batches[0], 2)

	require.Equal(t, workqueue.StatusSent, queue.get(a.ID).Status)
	require.Equal(t, workqueue.StatusSent, queue.get(b.ID).Status)
}

func TestHeartbeatForwarderBatchFailureFailsAllMembers(t *testing.T) {
	queue := newMemoryQueue()
	a := enqueue(t, queue, "screen-1", workqueue.HeartbeatKind)
	b := enqueue(t, queue, "screen-2", workqueue.HeartbeatKind)

	sender := &fakeHeartbeatSender{err: errs.New("remote", errs.CodeNetwork, errs.WithMessage("unreachable"))}
	fwd := NewHeartbeatForwarder(queue, sender, 50)

	result, err := fwd.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, result.Delivered)
	require.Equal(t, 2, result.Failed)

	for _, id := range []int64{a.ID, b.ID} {
		stored := queue.get(id)
		require.Equal(t, workqueue.StatusFailed, stored.Status)
		require.Equal(t, 1, stored.Attempts)
		// First heartbeat retry backs off by the base delay.
		require.Equal(t, queue.now.Add(30*time.Second), stored.NextRetryAt)
	}
}

func TestHeartbeatForwarderDrainsInBatchesUntilEmpty(t *testing.T) {
	queue := newMemoryQueue()
	for i := 0; i < 5; i++ {
		enqueue(t, queue, fmt.Sprintf("screen-%d", i), workqueue.HeartbeatKind)
	}

	sender := &fakeHeartbeatSender{}
	fwd := NewHeartbeatForwarder(queue, sender, 2)

	result, err := fwd.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, result.Dequeued)
	require.Equal(t, 5, result.Delivered)
	require.Len(t, sender.batches, 3)
}

func TestHeartbeatForwarderStopsAfterFirstBatchFailure(t *testing.T) {
	queue := newMemoryQueue()
	first := enqueue(t, queue, "screen-1", workqueue.HeartbeatKind)
	second := enqueue(t, queue, "screen-2", workqueue.HeartbeatKind)
	third := enqueue(t, queue, "screen-3", workqueue.HeartbeatKind)
	fourth := enqueue(t, queue, "screen-4", workqueue.HeartbeatKind)

	sender := &fakeHeartbeatSender{err: errors.New("down")}
	fwd := NewHeartbeatForwarder(queue, sender, 2)

	result, err := fwd.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, result.Dequeued, "the run ends at the first failed batch")
	require.Equal(t, 2, result.Failed)

	require.Equal(t, workqueue.StatusFailed, queue.get(first.ID).Status)
	require.Equal(t, workqueue.StatusFailed, queue.get(second.ID).Status)
	require.Equal(t, workqueue.StatusPending, queue.get(third.ID).Status)
	require.Equal(t, workqueue.StatusPending, queue.get(fourth.ID).Status)
}

func TestHeartbeatForwarderBackoffDoubles(t *testing.T) {
	queue := newMemoryQueue()
	item := enqueue(t, queue, "screen-1", workqueue.HeartbeatKind)

	sender := &fakeHeartbeatSender{err: errors.New("down")}
	fwd := NewHeartbeatForwarder(queue, sender, 50)

	_, err := fwd.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, queue.now.Add(30*time.Second), queue.get(item.ID).NextRetryAt)

	queue.now = queue.now.Add(time.Minute)
	_, err = fwd.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, queue.now.Add(time.Minute), queue.get(item.ID).NextRetryAt)
}

func TestHeartbeatForwarderEmptyQueue(t *testing.T) {
	queue := newMemoryQueue()
	sender := &fakeHeartbeatSender{}
	fwd := NewHeartbeatForwarder(queue, sender, 50)

	result, err := fwd.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, result.Dequeued)
	require.Empty(t, sender.batches)
}

func TestHeartbeatForwarderSkipsWhenSuspended(t *testing.T) {
	queue := newMemoryQueue()
	enqueue(t, queue, "screen-1", workqueue.HeartbeatKind)

	sender := &fakeHeartbeatSender{suspended: true}
	fwd := NewHeartbeatForwarder(queue, sender, 50)

	result, err := fwd.Run(context.Background())
	require.NoError(t, err)
	require.True(t, result.Skipped)
}
