package todo

import (
	"encoding/json"
	"time"
)

// Todo is owned by the producing service. The worker only reads it when a
// reminder is delivered.
type Todo struct {
	ID          int64           `gorm:"primaryKey"`
	UserID      int64           `gorm:"index;not null"`
	Description string          `gorm:"type:text;not null;default:''"`
	DueDate     time.Time       `gorm:"type:timestamptz;not null"`
	Payload     json.RawMessage `gorm:"type:jsonb"` // tags, priority, notes
	CreatedAt   time.Time       `gorm:"not null;default:now()"`
}

func (Todo) TableName() string { return "todos" }

// User carries the delivery destination of reminders.
type User struct {
	ID           int64     `gorm:"primaryKey"`
	Email        string    `gorm:"uniqueIndex;not null"`
	SlackChannel *string   `gorm:"type:text"`
	CreatedAt    time.Time `gorm:"not null;default:now()"`
}

func (User) TableName() string { return "users" }
