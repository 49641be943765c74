// Package task defines the shared record edited by clients: a task with an
// embedded advisory lock.
package task

import (
	"strings"
	"time"
	"unicode/utf8"

	warperrors "github.com/mirkobrombin/go-taskwarp/v1/errors"
)

// Status is the completion state of a task.
type Status string

const (
	StatusOpen Status = "open"
	StatusDone Status = "done"
)

// Priority ranks tasks.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

const (
	MaxTitleLen       = 200
	MaxDescriptionLen = 1000
)

// Lock is the advisory edit lock embedded in every task.
// IsLocked is true exactly when LockedBy and LockedAt are both set.
type Lock struct {
	IsLocked bool       `json:"isLocked"`
	LockedBy *string    `json:"lockedBy,omitempty"`
	LockedAt *time.Time `json:"lockedAt,omitempty"`
	// LockedByName is the holder's display name. It is never persisted.
	LockedByName string `json:"lockedByName,omitempty"`
}

// Holder returns the id of the lock holder or "".
func (l Lock) Holder() string {
	if !l.IsLocked || l.LockedBy == nil {
		return ""
	}
	return *l.LockedBy
}

// Task represents a shared, lockable unit of work.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      Status     `json:"status"`
	Priority    Priority   `json:"priority"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	Lock        Lock       `json:"lock"`
	CreatedBy   string     `json:"createdBy"`
	UpdatedBy   string     `json:"updatedBy,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Clone returns a deep copy of t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.DueDate != nil {
		d := *t.DueDate
		cp.DueDate = &d
	}
	if t.Lock.LockedBy != nil {
		by := *t.Lock.LockedBy
		cp.Lock.LockedBy = &by
	}
	if t.Lock.LockedAt != nil {
		at := *t.Lock.LockedAt
		cp.Lock.LockedAt = &at
	}
	return &cp
}

// NewTask is the input accepted when creating a task.
type NewTask struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Priority    Priority   `json:"priority,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
}

// Patch describes a partial update. Nil fields are left untouched.
type Patch struct {
	Title        *string    `json:"title,omitempty"`
	Description  *string    `json:"description,omitempty"`
	Status       *Status    `json:"status,omitempty"`
	Priority     *Priority  `json:"priority,omitempty"`
	DueDate      *time.Time `json:"dueDate,omitempty"`
	ClearDueDate bool       `json:"clearDueDate,omitempty"`
}

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	Status   Status
	Priority Priority
}

// Matches reports whether t satisfies the filter.
func (f Filter) Matches(t *Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Priority != "" && t.Priority != f.Priority {
		return false
	}
	return true
}

// ParseStatus validates s.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusOpen, StatusDone:
		return Status(s), nil
	}
	return "", warperrors.Invalid("status must be 'open' or 'done'")
}

// ParsePriority validates s. The short form "med" is accepted for medium.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "med", "medium":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	}
	return "", warperrors.Invalid("priority must be 'low', 'medium' or 'high'")
}

// Toggle flips between open and done.
func Toggle(s Status) Status {
	if s == StatusOpen {
		return StatusDone
	}
	return StatusOpen
}

// Build validates n and returns an unlocked task with defaults applied.
// ID and timestamps are left for the store.
func (n NewTask) Build(createdBy string) (*Task, error) {
	title, err := validTitle(n.Title)
	if err != nil {
		return nil, err
	}
	desc, err := validDescription(n.Description)
	if err != nil {
		return nil, err
	}
	prio := PriorityMedium
	if n.Priority != "" {
		if prio, err = ParsePriority(string(n.Priority)); err != nil {
			return nil, err
		}
	}
	return &Task{
		Title:       title,
		Description: desc,
		Status:      StatusOpen,
		Priority:    prio,
		DueDate:     n.DueDate,
		CreatedBy:   createdBy,
	}, nil
}

// Normalize validates p and returns a copy with trimmed strings and
// canonical enum values.
func (p Patch) Normalize() (Patch, error) {
	out := p
	if p.Title != nil {
		title, err := validTitle(*p.Title)
		if err != nil {
			return Patch{}, err
		}
		out.Title = &title
	}
	if p.Description != nil {
		desc, err := validDescription(*p.Description)
		if err != nil {
			return Patch{}, err
		}
		out.Description = &desc
	}
	if p.Status != nil {
		st, err := ParseStatus(string(*p.Status))
		if err != nil {
			return Patch{}, err
		}
		out.Status = &st
	}
	if p.Priority != nil {
		prio, err := ParsePriority(string(*p.Priority))
		if err != nil {
			return Patch{}, err
		}
		out.Priority = &prio
	}
	return out, nil
}

// Apply writes the patch onto t. Lock fields are never touched.
func (p Patch) Apply(t *Task) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.ClearDueDate {
		t.DueDate = nil
	} else if p.DueDate != nil {
		d := *p.DueDate
		t.DueDate = &d
	}
}

func validTitle(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", warperrors.Invalid("title is required")
	}
	if utf8.RuneCountInString(s) > MaxTitleLen {
		return "", warperrors.Invalid("title is too long")
	}
	return s, nil
}

func validDescription(s string) (string, error) {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) > MaxDescriptionLen {
		return "", warperrors.Invalid("description is too long")
	}
	return s, nil
}
