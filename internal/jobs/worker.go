package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"remindworker/internal/log"
	"remindworker/internal/metrics"
	"remindworker/internal/notify"
)

var (
	ErrMissingDetails = errors.New("missing job details")
	ErrMissingChannel = errors.New("missing slack_channel")
)

const (
	defaultEmptyThreshold = 2
	defaultGrowthFactor   = 1.5

	// finalizeTimeout bounds status writes that run after shutdown began, so a
	// delivered reminder still gets marked sent.
	finalizeTimeout = 5 * time.Second
)

// Store is the subset of Repo the dispatch loop needs.
type Store interface {
	Claim(ctx context.Context, limit int) ([]Claimed, error)
	FetchDetails(ctx context.Context, id int64) (*Details, error)
	MarkSent(ctx context.Context, id int64) error
	RequeueOrFail(ctx context.Context, id int64, currentRetry int, errMsg string) (Outcome, error)
	GetRetryCount(ctx context.Context, id int64) (int, error)
}

// Sender delivers rendered text to a destination channel.
type Sender interface {
	Send(ctx context.Context, channel, text string) error
}

type WorkerConfig struct {
	MaxBatch int

	PollInterval time.Duration // initial
	PollMin      time.Duration
	PollMax      time.Duration

	// EmptyThreshold consecutive empty batches grow the interval by GrowthFactor.
	EmptyThreshold int
	GrowthFactor   float64

	// Concurrency > 1 fans the jobs of one batch out to that many goroutines.
	Concurrency int
}

// Worker runs the claim -> deliver -> finalize loop. All adaptive state
// lives on the Worker; one Worker per process.
type Worker struct {
	ID      string
	Store   Store
	Sender  Sender
	Wake    <-chan struct{} // nil means polling only
	Config  WorkerConfig
	Logger  *log.Logger
	Metrics *metrics.Metrics

	interval         time.Duration
	consecutiveEmpty int
	initOnce         sync.Once
}

func (w *Worker) init() {
	w.initOnce.Do(func() {
		if w.Logger == nil {
			w.Logger = log.NewNop()
		}
		if w.Config.MaxBatch <= 0 {
			w.Config.MaxBatch = 10
		}
		if w.Config.PollMin <= 0 {
			w.Config.PollMin = 5 * time.Second
		}
		if w.Config.PollMax < w.Config.PollMin {
			w.Config.PollMax = w.Config.PollMin
		}
		if w.Config.PollInterval <= 0 {
			w.Config.PollInterval = w.Config.PollMin
		}
		if w.Config.EmptyThreshold <= 0 {
			w.Config.EmptyThreshold = defaultEmptyThreshold
		}
		if w.Config.GrowthFactor <= 1 {
			w.Config.GrowthFactor = defaultGrowthFactor
		}
		if w.Config.Concurrency <= 0 {
			w.Config.Concurrency = 1
		}
		w.interval = w.Config.PollInterval
		w.Metrics.SetPollInterval(w.interval)
	})
}

// Interval is the current poll timeout.
func (w *Worker) Interval() time.Duration {
	w.init()
	return w.interval
}

// Run loops until ctx is cancelled. The first batch is claimed right away;
// afterwards the loop waits for a wake signal or the poll interval, unless
// the previous batch was full.
func (w *Worker) Run(ctx context.Context) error {
	w.init()
	w.Logger.Infow("reminder worker started",
		"worker_id", w.ID,
		"max_batch", w.Config.MaxBatch,
		"poll_interval", w.interval,
		"event_driven", w.Wake != nil,
	)

	drain := true
	for {
		if !drain {
			if err := w.wait(ctx); err != nil {
				w.Logger.Infow("reminder worker stopping", "worker_id", w.ID)
				return nil
			}
		}
		if ctx.Err() != nil {
			w.Logger.Infow("reminder worker stopping", "worker_id", w.ID)
			return nil
		}

		n, err := w.ProcessBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.Metrics.ObserveClaimError()
			w.Logger.Errorw("claim failed", "error", err, "retry_in", w.interval)
			drain = false
			continue
		}

		// a full batch suggests a backlog
		drain = n >= w.Config.MaxBatch
	}
}

// wait blocks until a wake signal, the poll interval, or cancellation.
func (w *Worker) wait(ctx context.Context) error {
	timer := time.NewTimer(w.interval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.Wake:
		w.consecutiveEmpty = 0
		w.interval = w.Config.PollMin
		w.Metrics.ObserveWake()
		w.Metrics.SetPollInterval(w.interval)
		w.Logger.Debugw("wake signal received, poll interval reset", "poll_interval", w.interval)
	case <-timer.C:
	}
	return nil
}

// ProcessBatch claims up to MaxBatch jobs, adapts the poll interval and
// handles every claimed job. Only the claim itself can fail the batch; per
// job failures end up in the store.
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	w.init()
	start := time.Now()

	claimed, err := w.Store.Claim(ctx, w.Config.MaxBatch)
	if err != nil {
		return 0, err
	}
	w.adapt(len(claimed))
	if len(claimed) == 0 {
		return 0, nil
	}

	w.Metrics.ObserveClaimed(len(claimed))
	w.dispatch(ctx, claimed)
	w.Metrics.ObserveBatch(time.Since(start))

	w.Logger.Infow("batch processed",
		"jobs", len(claimed),
		"duration", time.Since(start),
		"poll_interval", w.interval,
	)
	return len(claimed), nil
}

func (w *Worker) adapt(n int) {
	if n > 0 {
		w.consecutiveEmpty = 0
		w.interval = w.Config.PollMin
		w.Metrics.SetPollInterval(w.interval)
		return
	}

	w.consecutiveEmpty++
	if w.consecutiveEmpty < w.Config.EmptyThreshold {
		return
	}
	next := time.Duration(float64(w.interval) * w.Config.GrowthFactor)
	if next > w.Config.PollMax {
		next = w.Config.PollMax
	}
	if next != w.interval {
		w.interval = next
		w.Metrics.SetPollInterval(w.interval)
		w.Logger.Debugw("idle, poll interval increased",
			"empty_batches", w.consecutiveEmpty,
			"poll_interval", w.interval,
		)
	}
}

func (w *Worker) dispatch(ctx context.Context, claimed []Claimed) {
	if w.Config.Concurrency <= 1 || len(claimed) == 1 {
		for _, c := range claimed {
			w.handle(ctx, c)
		}
		return
	}

	sem := make(chan struct{}, w.Config.Concurrency)
	var wg sync.WaitGroup
	for _, c := range claimed {
		wg.Add(1)
		sem <- struct{}{}
		go func(c Claimed) {
			defer wg.Done()
			defer func() { <-sem }()
			w.handle(ctx, c)
		}(c)
	}
	wg.Wait()
}

// handle runs one job to a final store write. Nothing here is allowed to
// escape and stop the batch.
func (w *Worker) handle(ctx context.Context, c Claimed) {
	logger := w.Logger.With("job_id", c.ID, "todo_id", c.TodoID, "user_id", c.UserID)

	defer func() {
		if r := recover(); r != nil {
			logger.Errorw("panic while handling reminder", "panic", r)
			w.fail(ctx, c.ID, fmt.Sprintf("panic: %v", r), logger)
		}
	}()

	if err := w.deliver(ctx, c.ID); err != nil {
		logger.Warnw("reminder delivery failed", "error", err)
		w.fail(ctx, c.ID, err.Error(), logger)
		return
	}

	fctx, cancel := finalizeContext(ctx)
	defer cancel()
	if err := w.Store.MarkSent(fctx, c.ID); err != nil {
		// delivered but not recorded; the retry path may deliver it again
		logger.Errorw("mark sent failed", "error", err)
		w.fail(ctx, c.ID, err.Error(), logger)
		return
	}
	w.Metrics.ObserveSent()
	logger.Infow("reminder sent")
}

func (w *Worker) deliver(ctx context.Context, id int64) error {
	d, err := w.Store.FetchDetails(ctx, id)
	if err != nil {
		return err
	}
	if d == nil {
		return ErrMissingDetails
	}
	if d.SlackChannel == nil || *d.SlackChannel == "" {
		return ErrMissingChannel
	}

	text := notify.Render(notify.Reminder{
		Description: d.Description,
		DueDate:     d.DueDate,
		Payload:     d.Payload,
	})
	return w.Sender.Send(ctx, *d.SlackChannel, text)
}

// fail reads the current retry count and routes the job through
// RequeueOrFail. Store errors are logged only: the lease will expire and the
// job gets claimed again.
func (w *Worker) fail(ctx context.Context, id int64, msg string, logger *log.Logger) {
	fctx, cancel := finalizeContext(ctx)
	defer cancel()

	retry, err := w.Store.GetRetryCount(fctx, id)
	if err != nil {
		logger.Errorw("read retry count failed", "error", err)
		return
	}
	outcome, err := w.Store.RequeueOrFail(fctx, id, retry, msg)
	if err != nil {
		logger.Errorw("requeue failed", "error", err)
		return
	}

	switch outcome {
	case OutcomeSkipped:
		logger.Infow("reminder already finalized elsewhere, failure not recorded", "error", msg)
	case OutcomeFailed:
		w.Metrics.ObserveFailed()
		logger.Warnw("reminder failed permanently", "retry_count", retry+1, "error", msg)
	default:
		w.Metrics.ObserveRetried()
		logger.Infow("reminder requeued", "retry_count", retry+1)
	}
}

func finalizeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
}
