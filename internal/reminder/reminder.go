// Package reminder stores one-shot reminders and their delivery state.
package reminder

import (
	"fmt"
	"strings"
	"time"

	"github.com/linkerlin/nanotools.go/internal/errs"
)

// Status is the lifecycle state of a reminder. Pending is the only
// non-terminal state.
type Status string

const (
	Pending   Status = "pending"
	Fired     Status = "fired"
	Cancelled Status = "cancelled"
	Failed    Status = "failed"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == Fired || s == Cancelled || s == Failed
}

// ParseStatus accepts a status name, or "all"/"" which yield the empty filter.
func ParseStatus(s string) (Status, error) {
	switch v := Status(strings.ToLower(strings.TrimSpace(s))); v {
	case "", "all":
		return "", nil
	case Pending, Fired, Cancelled, Failed:
		return v, nil
	}
	return "", fmt.Errorf("%w: unknown reminder status %q", errs.ErrInvalidArgument, s)
}

// ChatType selects where a reminder is delivered.
type ChatType string

const (
	Group   ChatType = "group"
	Private ChatType = "private"
)

// Target is the delivery destination.
type Target struct {
	ChatType ChatType `json:"chat_type"`
	ID       string   `json:"id"`
}

func (t Target) String() string {
	return string(t.ChatType) + ":" + t.ID
}

// Validate checks that the target can be delivered to.
func (t Target) Validate() error {
	if t.ChatType != Group && t.ChatType != Private {
		return fmt.Errorf("%w: target type must be group or private, got %q", errs.ErrInvalidArgument, t.ChatType)
	}
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: target id is required", errs.ErrInvalidArgument)
	}
	return nil
}

// Reminder is one scheduled message.
type Reminder struct {
	ID              string    `json:"id"`
	CreatorID       string    `json:"creator_id"`
	Target          Target    `json:"target"`
	FireAt          time.Time `json:"fire_at"`
	Message         string    `json:"message"`
	MentionUserID   string    `json:"mention_user_id,omitempty"`
	SourceMessageID string    `json:"source_message_id,omitempty"`
	Status          Status    `json:"status"`
	AttemptCount    int       `json:"attempt_count"`
	LastError       string    `json:"last_error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ShortID is the id prefix shown in listings; Cancel accepts it.
func (r Reminder) ShortID() string {
	if len(r.ID) <= MinIDPrefix {
		return r.ID
	}
	return r.ID[:MinIDPrefix]
}

// Text is the message as delivered, with the mention prefix for group targets.
func (r Reminder) Text() string {
	body := "提醒：" + strings.TrimSpace(r.Message)
	if r.Target.ChatType == Group && strings.TrimSpace(r.MentionUserID) != "" {
		return fmt.Sprintf("[CQ:at,qq=%s] %s", strings.TrimSpace(r.MentionUserID), body)
	}
	return body
}

// Draft carries the caller-supplied fields of a new reminder.
type Draft struct {
	CreatorID       string
	Target          Target
	FireAt          time.Time
	Message         string
	MentionUserID   string
	SourceMessageID string
}

// ListQuery selects reminders for List.
type ListQuery struct {
	CallerID string
	IsAdmin  bool
	// IncludeAll returns every creator's reminders; honored for admins only.
	IncludeAll bool
	// Status filters by state; empty means any.
	Status Status
	// Limit caps the result; zero means no cap.
	Limit int
}
