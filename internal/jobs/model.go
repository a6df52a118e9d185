package jobs

import "time"

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
)

// Job is one reminder delivery task. Rows are inserted by the producing
// service and only mutated here through Repo.
type Job struct {
	ID     int64 `gorm:"primaryKey"`
	TodoID int64 `gorm:"index;not null"`
	UserID int64 `gorm:"index;not null"`

	Status       Status    `gorm:"type:text;index;not null;default:'pending'"`
	ScheduledFor time.Time `gorm:"type:timestamptz;not null"`

	// lease; while in the future no worker may claim the row
	VisibilityTimeout *time.Time `gorm:"type:timestamptz"`

	StartedAt *time.Time `gorm:"type:timestamptz"`
	PostedAt  *time.Time `gorm:"type:timestamptz"`

	RetryCount int     `gorm:"not null;default:0"`
	Error      *string `gorm:"type:text"`

	CreatedAt time.Time `gorm:"not null;default:now()"`
}

func (Job) TableName() string { return "scheduled_reminders" }

// Claimed is what Claim hands back for each leased job.
type Claimed struct {
	ID           int64
	TodoID       int64
	UserID       int64
	ScheduledFor time.Time
}

// Details is the job joined with its todo and user, read fresh at delivery time.
type Details struct {
	ReminderID   int64
	TodoID       int64
	Description  string
	DueDate      time.Time
	Payload      []byte
	UserID       int64
	SlackChannel *string
}

// Outcome reports which branch RequeueOrFail took.
type Outcome int

const (
	OutcomeRequeued Outcome = iota + 1
	OutcomeFailed
	// OutcomeSkipped means the row was no longer processing, so nothing changed.
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRequeued:
		return "requeued"
	case OutcomeFailed:
		return "failed"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}
