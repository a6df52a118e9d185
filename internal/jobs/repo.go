package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"
)

var ErrNotFound = errors.New("reminder job not found")

// MaxErrorLen bounds the error text persisted on a job row.
const MaxErrorLen = 512

type Repo struct {
	DB *gorm.DB

	Lease      time.Duration
	MaxRetries int
	Backoff    Backoff
}

// Enqueue inserts a pending job. The dispatch path never calls it; producers
// and tests do.
func (r *Repo) Enqueue(ctx context.Context, todoID, userID int64, at time.Time) (int64, error) {
	j := Job{
		TodoID:       todoID,
		UserID:       userID,
		Status:       StatusPending,
		ScheduledFor: at,
	}
	if err := r.DB.WithContext(ctx).Create(&j).Error; err != nil {
		return 0, fmt.Errorf("enqueue reminder: %w", err)
	}
	return j.ID, nil
}

func (r *Repo) Get(ctx context.Context, id int64) (*Job, error) {
	var j Job
	if err := r.DB.WithContext(ctx).Where("id = ?", id).First(&j).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &j, nil
}

// Claim leases up to limit due jobs, earliest scheduled_for first.
// FOR UPDATE SKIP LOCKED lets concurrent workers take disjoint batches
// without waiting on each other. A processing row whose lease has expired
// is eligible again, so jobs of a crashed worker are picked up later.
func (r *Repo) Claim(ctx context.Context, limit int) ([]Claimed, error) {
	if limit <= 0 {
		return nil, nil
	}

	var claimed []Claimed
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Raw(`
with cte as (
  select id
  from scheduled_reminders
  where scheduled_for <= now()
    and (
      (status = 'pending' and (visibility_timeout is null or visibility_timeout <= now()))
      or (status = 'processing' and visibility_timeout is not null and visibility_timeout <= now())
    )
  order by scheduled_for asc
  for update skip locked
  limit ?
)
update scheduled_reminders s
set status = 'processing',
    started_at = now(),
    visibility_timeout = now() + make_interval(secs => ?)
from cte
where s.id = cte.id
returning s.id, s.todo_id, s.user_id, s.scheduled_for;
`, limit, r.Lease.Seconds()).Scan(&claimed).Error
	})
	if err != nil {
		return nil, fmt.Errorf("claim reminders: %w", err)
	}

	// RETURNING order is not guaranteed
	sort.SliceStable(claimed, func(i, j int) bool {
		return claimed[i].ScheduledFor.Before(claimed[j].ScheduledFor)
	})
	return claimed, nil
}

// FetchDetails joins the job with its todo and user. It returns nil, nil when
// any of the three rows is gone.
func (r *Repo) FetchDetails(ctx context.Context, id int64) (*Details, error) {
	var d Details
	res := r.DB.WithContext(ctx).Raw(`
select s.id as reminder_id,
       t.id as todo_id,
       t.description,
       t.due_date,
       t.payload,
       u.id as user_id,
       u.slack_channel
from scheduled_reminders s
join todos t on t.id = s.todo_id
join users u on u.id = s.user_id
where s.id = ?
`, id).Scan(&d)
	if res.Error != nil {
		return nil, fmt.Errorf("fetch reminder %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &d, nil
}

// MarkSent is idempotent. A row another worker already requeued or failed is
// left alone.
func (r *Repo) MarkSent(ctx context.Context, id int64) error {
	err := r.DB.WithContext(ctx).Exec(`
update scheduled_reminders
set status = 'sent',
    posted_at = now(),
    visibility_timeout = null,
    error = null
where id = ?
  and status in ('processing', 'sent')`, id).Error
	if err != nil {
		return fmt.Errorf("mark reminder %d sent: %w", id, err)
	}
	return nil
}

// RequeueOrFail records a failed attempt. Once currentRetry+1 reaches
// MaxRetries the job becomes terminally failed; otherwise it goes back to
// pending with scheduled_for pushed out by the backoff of the next retry.
// Only processing rows are touched: when a stale worker reports a failure
// for a job that has since been finalized, the row is unchanged and
// OutcomeSkipped is returned.
func (r *Repo) RequeueOrFail(ctx context.Context, id int64, currentRetry int, errMsg string) (Outcome, error) {
	next := currentRetry + 1
	db := r.DB.WithContext(ctx)

	if next >= r.MaxRetries {
		res := db.Exec(`
update scheduled_reminders
set status = 'failed',
    retry_count = retry_count + 1,
    visibility_timeout = null,
    posted_at = null,
    error = ?
where id = ?
  and status = 'processing'`, truncateError(errMsg), id)
		if res.Error != nil {
			return 0, fmt.Errorf("fail reminder %d: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return OutcomeSkipped, nil
		}
		return OutcomeFailed, nil
	}

	delay := r.Backoff.Delay(next)
	res := db.Exec(`
update scheduled_reminders
set status = 'pending',
    retry_count = retry_count + 1,
    visibility_timeout = null,
    started_at = null,
    scheduled_for = now() + make_interval(secs => ?),
    error = ?
where id = ?
  and status = 'processing'`, delay.Seconds(), truncateError(errMsg), id)
	if res.Error != nil {
		return 0, fmt.Errorf("requeue reminder %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return OutcomeSkipped, nil
	}
	return OutcomeRequeued, nil
}

// GetRetryCount returns 0 for a missing row.
func (r *Repo) GetRetryCount(ctx context.Context, id int64) (int, error) {
	var count int
	err := r.DB.WithContext(ctx).
		Raw(`select retry_count from scheduled_reminders where id = ?`, id).
		Scan(&count).Error
	if err != nil {
		return 0, fmt.Errorf("retry count of reminder %d: %w", id, err)
	}
	return count, nil
}

// CountByStatus reports queue depth per status.
func (r *Repo) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	type row struct {
		Status Status
		Count  int64
	}
	var rows []row
	err := r.DB.WithContext(ctx).
		Model(&Job{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count reminders: %w", err)
	}

	out := map[Status]int64{
		StatusPending:    0,
		StatusProcessing: 0,
		StatusSent:       0,
		StatusFailed:     0,
	}
	for _, rw := range rows {
		out[rw.Status] = rw.Count
	}
	return out, nil
}

func truncateError(msg string) string {
	r := []rune(msg)
	if len(r) <= MaxErrorLen {
		return msg
	}
	return string(r[:MaxErrorLen])
}
