package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"remindworker/internal/notify"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore mirrors Repo's state transitions in memory.
type memStore struct {
	mu      sync.Mutex
	now     time.Time
	jobs    map[int64]*memJob
	order   []int64
	retries int
	backoff Backoff

	claimErr    error
	markSentErr error
	claims      int
}

type memJob struct {
	Job
	description string
	due         time.Time
	payload     []byte
	channel     *string
	orphaned    bool
}

func newMemStore() *memStore {
	return &memStore{
		now:     time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
		jobs:    map[int64]*memJob{},
		retries: 5,
		backoff: Backoff{Base: 60 * time.Second, Cap: 3600 * time.Second},
	}
}

func (s *memStore) add(id int64, channel string, description string) *memJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	j := &memJob{
		Job: Job{
			ID:           id,
			TodoID:       id * 10,
			UserID:       id * 100,
			Status:       StatusPending,
			ScheduledFor: s.now.Add(-time.Minute),
		},
		description: description,
		due:         s.now.Add(time.Hour),
	}
	if channel != "" {
		j.channel = &channel
	}
	s.jobs[id] = j
	s.order = append(s.order, id)
	return j
}

func (s *memStore) advance(d time.Duration) {
	s.mu.Lock()
	s.now = s.now.Add(d)
	s.mu.Unlock()
}

func (s *memStore) job(id int64) Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id].Job
}

func (s *memStore) countStatus(st Status) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Status == st {
			n++
		}
	}
	return n
}

func (s *memStore) Claim(ctx context.Context, limit int) ([]Claimed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims++
	if s.claimErr != nil {
		return nil, s.claimErr
	}

	var out []Claimed
	for _, id := range s.order {
		if len(out) >= limit {
			break
		}
		j := s.jobs[id]
		if j.Status != StatusPending || j.ScheduledFor.After(s.now) {
			continue
		}
		lease := s.now.Add(5 * time.Minute)
		j.Status = StatusProcessing
		j.VisibilityTimeout = &lease
		out = append(out, Claimed{ID: j.ID, TodoID: j.TodoID, UserID: j.UserID, ScheduledFor: j.ScheduledFor})
	}
	return out, nil
}

func (s *memStore) FetchDetails(ctx context.Context, id int64) (*Details, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.orphaned {
		return nil, nil
	}
	return &Details{
		ReminderID:   j.ID,
		TodoID:       j.TodoID,
		Description:  j.description,
		DueDate:      j.due,
		Payload:      j.payload,
		UserID:       j.UserID,
		SlackChannel: j.channel,
	}, nil
}

func (s *memStore) MarkSent(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markSentErr != nil {
		return s.markSentErr
	}
	j := s.jobs[id]
	if j.Status != StatusProcessing && j.Status != StatusSent {
		return nil
	}
	now := s.now
	j.Status = StatusSent
	j.PostedAt = &now
	j.VisibilityTimeout = nil
	j.Error = nil
	return nil
}

func (s *memStore) RequeueOrFail(ctx context.Context, id int64, currentRetry int, errMsg string) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	if j.Status != StatusProcessing {
		return OutcomeSkipped, nil
	}
	next := currentRetry + 1
	msg := truncateError(errMsg)
	j.RetryCount++
	j.Error = &msg
	j.VisibilityTimeout = nil
	if next >= s.retries {
		j.Status = StatusFailed
		return OutcomeFailed, nil
	}
	j.Status = StatusPending
	j.StartedAt = nil
	j.ScheduledFor = s.now.Add(s.backoff.Delay(next))
	return OutcomeRequeued, nil
}

func (s *memStore) GetRetryCount(ctx context.Context, id int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		return j.RetryCount, nil
	}
	return 0, nil
}

type sentMessage struct {
	channel string
	text    string
}

type fakeSender struct {
	mu     sync.Mutex
	sent   []sentMessage
	failOn map[string]error
	err    error
	onSend func(channel string)
}

func (f *fakeSender) Send(ctx context.Context, channel, text string) error {
	if f.onSend != nil {
		f.onSend(channel)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failOn[channel]; ok {
		return err
	}
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMessage{channel: channel, text: text})
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestWorker(store Store, sender Sender) *Worker {
	return &Worker{
		ID:     "test-worker",
		Store:  store,
		Sender: sender,
		Config: WorkerConfig{
			MaxBatch: 10,
			PollMin:  5 * time.Second,
			PollMax:  20 * time.Second,
		},
	}
}

func TestWorker_DeliversAndMarksSent(t *testing.T) {
	store := newMemStore()
	j := store.add(1, "C123", "Submit report")
	j.due = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	j.payload = []byte(`{"tags":["work","urgent"],"priority":"high"}`)
	sender := &fakeSender{}

	w := newTestWorker(store, sender)
	n, err := w.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := store.job(1)
	assert.Equal(t, StatusSent, got.Status)
	assert.Nil(t, got.Error)
	assert.NotNil(t, got.PostedAt)
	assert.Nil(t, got.VisibilityTimeout)

	require.Len(t, sender.sent, 1)
	assert.Equal(t, "C123", sender.sent[0].channel)
	assert.Equal(t, strings.Join([]string{
		"📌 Todo Reminder",
		"• Description: Submit report",
		"• Due: 2024-01-15 10:00 UTC",
		"• Tags: work, urgent",
		"• Priority: high",
	}, "\n"), sender.sent[0].text)
}

func TestWorker_RetriesWithBackoffThenFails(t *testing.T) {
	store := newMemStore()
	store.add(1, "C123", "Submit report")
	sender := &fakeSender{err: errors.New("slack API error: channel_not_found")}
	w := newTestWorker(store, sender)

	// first failure: retry 1, pushed out by Delay(1)
	_, err := w.ProcessBatch(context.Background())
	require.NoError(t, err)
	got := store.job(1)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, store.now.Add(120*time.Second), got.ScheduledFor)

	// not yet due again
	n, err := w.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	for i := 2; i <= 5; i++ {
		store.advance(2 * time.Hour)
		n, err := w.ProcessBatch(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, n, "attempt %d", i)
	}

	got = store.job(1)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 5, got.RetryCount)
	require.NotNil(t, got.Error)
	assert.Equal(t, "slack API error: channel_not_found", *got.Error)

	// terminal: never claimed again
	store.advance(24 * time.Hour)
	n, err = w.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWorker_MissingDetailsIsRetried(t *testing.T) {
	store := newMemStore()
	store.add(1, "C123", "gone").orphaned = true
	w := newTestWorker(store, &fakeSender{})

	_, err := w.ProcessBatch(context.Background())
	require.NoError(t, err)

	got := store.job(1)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.Error)
	assert.Equal(t, ErrMissingDetails.Error(), *got.Error)
}

func TestWorker_MissingChannelIsRetried(t *testing.T) {
	store := newMemStore()
	store.add(1, "", "no channel")
	sender := &fakeSender{}
	w := newTestWorker(store, sender)

	_, err := w.ProcessBatch(context.Background())
	require.NoError(t, err)

	got := store.job(1)
	assert.Equal(t, StatusPending, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "missing slack_channel", *got.Error)
	assert.Zero(t, sender.count())
}

func TestWorker_MissingTokenFailsTheJob(t *testing.T) {
	store := newMemStore()
	store.add(1, "C123", "Submit report")
	w := newTestWorker(store, notify.NewSlack("", "http://127.0.0.1:1", time.Second))

	_, err := w.ProcessBatch(context.Background())
	require.NoError(t, err)

	got := store.job(1)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.Error)
	assert.Equal(t, notify.ErrMissingToken.Error(), *got.Error)
}

func TestWorker_OneFailureDoesNotAbortBatch(t *testing.T) {
	store := newMemStore()
	store.add(1, "C1", "first")
	store.add(2, "C-broken", "second")
	store.add(3, "C3", "third")
	sender := &fakeSender{failOn: map[string]error{"C-broken": errors.New("boom")}}
	w := newTestWorker(store, sender)

	n, err := w.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Equal(t, StatusSent, store.job(1).Status)
	assert.Equal(t, StatusPending, store.job(2).Status)
	assert.Equal(t, StatusSent, store.job(3).Status)
	assert.Equal(t, 2, sender.count())
}

func TestWorker_RecoversFromPanic(t *testing.T) {
	store := newMemStore()
	store.add(1, "C-panic", "explodes")
	store.add(2, "C2", "fine")
	sender := &fakeSender{onSend: func(channel string) {
		if channel == "C-panic" {
			panic("renderer blew up")
		}
	}}
	w := newTestWorker(store, sender)

	_, err := w.ProcessBatch(context.Background())
	require.NoError(t, err)

	got := store.job(1)
	assert.Equal(t, StatusPending, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "panic: renderer blew up")
	assert.Equal(t, StatusSent, store.job(2).Status)
}

func TestWorker_MarkSentFailureRequeues(t *testing.T) {
	store := newMemStore()
	store.add(1, "C1", "first")
	store.markSentErr = errors.New("connection reset")
	w := newTestWorker(store, &fakeSender{})

	_, err := w.ProcessBatch(context.Background())
	require.NoError(t, err)

	got := store.job(1)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.Error)
	assert.Equal(t, "connection reset", *got.Error)
}

func TestWorker_FinalizesAfterShutdownStarts(t *testing.T) {
	store := newMemStore()
	store.add(1, "C1", "first")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// shutdown arrives while the message is in flight
	sender := &fakeSender{onSend: func(string) { cancel() }}
	w := newTestWorker(store, sender)

	_, err := w.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, store.job(1).Status)
}

func TestWorker_LateFailureDoesNotReopenSentJob(t *testing.T) {
	store := newMemStore()
	store.add(1, "C1", "first")

	// another worker reclaims the job after our lease lapsed and delivers it
	// while our own send is still in flight and eventually fails
	sender := &fakeSender{
		err: errors.New("context deadline exceeded"),
		onSend: func(string) {
			require.NoError(t, store.MarkSent(context.Background(), 1))
		},
	}
	w := newTestWorker(store, sender)

	_, err := w.ProcessBatch(context.Background())
	require.NoError(t, err)

	got := store.job(1)
	assert.Equal(t, StatusSent, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Nil(t, got.Error)

	store.advance(24 * time.Hour)
	n, err := w.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWorker_ConcurrentDispatch(t *testing.T) {
	store := newMemStore()
	for i := int64(1); i <= 8; i++ {
		store.add(i, fmt.Sprintf("C%d", i), "job")
	}
	sender := &fakeSender{}
	w := newTestWorker(store, sender)
	w.Config.Concurrency = 4

	n, err := w.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, 8, sender.count())
	assert.Equal(t, 8, store.countStatus(StatusSent))
}

func TestWorker_AdaptiveInterval(t *testing.T) {
	store := newMemStore()
	w := newTestWorker(store, &fakeSender{})
	ctx := context.Background()

	assert.Equal(t, 5*time.Second, w.Interval())

	want := []time.Duration{
		5 * time.Second, // one empty batch is below the threshold
		7500 * time.Millisecond,
		11250 * time.Millisecond,
		16875 * time.Millisecond,
		20 * time.Second,
		20 * time.Second,
	}
	for i, d := range want {
		_, err := w.ProcessBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, d, w.Interval(), "after empty batch %d", i+1)
	}

	store.add(1, "C1", "work")
	n, err := w.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 5*time.Second, w.Interval())

	// the empty counter restarted too
	_, err = w.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, w.Interval())
}

func TestWorker_WakeResetsInterval(t *testing.T) {
	store := newMemStore()
	wakeC := make(chan struct{}, 1)
	w := newTestWorker(store, &fakeSender{})
	w.Wake = wakeC

	for i := 0; i < 4; i++ {
		_, err := w.ProcessBatch(context.Background())
		require.NoError(t, err)
	}
	require.Greater(t, w.Interval(), 5*time.Second)

	wakeC <- struct{}{}
	start := time.Now()
	require.NoError(t, w.wait(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 5*time.Second, w.Interval())
	assert.Zero(t, w.consecutiveEmpty)
}

func TestWorker_WaitReturnsOnCancel(t *testing.T) {
	w := newTestWorker(newMemStore(), &fakeSender{})
	w.Config.PollMin = time.Hour
	w.Config.PollMax = time.Hour
	require.Equal(t, time.Hour, w.Interval())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, w.wait(ctx), context.Canceled)
}

func TestWorkerRun_FullBatchLoopsImmediately(t *testing.T) {
	store := newMemStore()
	for i := int64(1); i <= 5; i++ {
		store.add(i, fmt.Sprintf("C%d", i), "job")
	}
	sender := &fakeSender{}
	w := newTestWorker(store, sender)
	w.Config.MaxBatch = 2
	w.Config.PollMin = time.Hour
	w.Config.PollMax = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return sender.count() == 5 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	store.mu.Lock()
	claims := store.claims
	store.mu.Unlock()
	// 2 + 2 + 1, then waiting on the hour-long poll
	assert.Equal(t, 3, claims)
}

func TestWorkerRun_WakeTriggersClaim(t *testing.T) {
	store := newMemStore()
	sender := &fakeSender{}
	wakeC := make(chan struct{}, 1)
	w := newTestWorker(store, sender)
	w.Wake = wakeC
	w.Config.PollMin = time.Hour
	w.Config.PollMax = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.claims == 1
	}, time.Second, 5*time.Millisecond)

	store.add(1, "C1", "just enqueued")
	wakeC <- struct{}{}

	require.Eventually(t, func() bool { return sender.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestWorkerRun_SurvivesClaimErrors(t *testing.T) {
	store := newMemStore()
	store.claimErr = errors.New("connection refused")
	w := newTestWorker(store, &fakeSender{})
	w.Config.PollMin = 10 * time.Millisecond
	w.Config.PollMax = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.claims >= 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestTruncateError(t *testing.T) {
	assert.Equal(t, "short", truncateError("short"))

	long := strings.Repeat("é", MaxErrorLen+10)
	got := truncateError(long)
	assert.Equal(t, MaxErrorLen, len([]rune(got)))
}
