package notify

import (
	"fmt"
	"time"

	"github.com/lib/pq"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Priority orders due jobs; higher runs first. Stored as smallint so the
// store can sort on it directly.
type Priority int16

const (
	PriorityLow    Priority = 1
	PriorityMedium Priority = 2
	PriorityHigh   Priority = 3
	PriorityUrgent Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	}
	return "unknown"
}

func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "medium", "":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	}
	return 0, fmt.Errorf("notify: unknown priority %q", s)
}

// Payload is the notification content handed to the channel dispatcher.
// Immutable after enqueue.
type Payload struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	Type      string `json:"type,omitempty"`     // e.g. POINTS_EARNED, TIER_UPGRADE
	Category  string `json:"category,omitempty"` // e.g. transactional, promotional
	ActionURL string `json:"action_url,omitempty"`
}

// QueuedJob is one delivery of one notification to one recipient.
type QueuedJob struct {
	ID             string `gorm:"primaryKey;type:uuid"`
	NotificationID string `gorm:"index;not null"`
	RecipientID    string `gorm:"not null"`

	Payload []byte `gorm:"type:jsonb;not null;default:'{}'::jsonb"`

	Priority Priority `gorm:"type:smallint;not null;default:2"`
	Status   Status   `gorm:"type:text;index;not null;default:'pending'"`

	Attempts    int `gorm:"not null;default:0"`
	MaxAttempts int `gorm:"not null;default:3"`

	ScheduledFor        time.Time  `gorm:"index;not null"`
	ProcessingStartedAt *time.Time `gorm:"type:timestamptz"`
	CompletedAt         *time.Time `gorm:"type:timestamptz"`

	// Claim-to-completion duration, stamped on completion because
	// processing_started_at is cleared on every terminal transition.
	ProcessingMillis int64 `gorm:"not null;default:0"`

	LastError *string `gorm:"type:text"`

	Channels pq.StringArray `gorm:"type:text[]"`
	Metadata []byte         `gorm:"type:jsonb"`

	CreatedAt time.Time `gorm:"not null;default:now()"`
	UpdatedAt time.Time `gorm:"not null;default:now()"`
}

func (QueuedJob) TableName() string { return "notification_jobs" }

// CompletionMeta is the metadata recorded on a successful delivery.
type CompletionMeta struct {
	Channels    []string  `json:"channels"`
	Millis      int64     `json:"processing_millis"`
	CompletedAt time.Time `json:"completed_at"`
}

// FailureMeta is the metadata recorded when the retry budget runs out.
type FailureMeta struct {
	FailedAt time.Time `json:"failed_at"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
}
