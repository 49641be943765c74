package task

import (
	"errors"
	"strings"
	"testing"
	"time"

	warperrors "github.com/mirkobrombin/go-taskwarp/v1/errors"
)

func TestBuildDefaults(t *testing.T) {
	tk, err := NewTask{Title: "  write docs  "}.Build("u1")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if tk.Title != "write docs" {
		t.Fatalf("expected trimmed title, got %q", tk.Title)
	}
	if tk.Status != StatusOpen || tk.Priority != PriorityMedium {
		t.Fatalf("unexpected defaults %s/%s", tk.Status, tk.Priority)
	}
	if tk.Lock.IsLocked || tk.Lock.LockedBy != nil {
		t.Fatal("new task must be unlocked")
	}
	if tk.CreatedBy != "u1" {
		t.Fatalf("unexpected creator %q", tk.CreatedBy)
	}
}

func TestBuildRejectsInvalidInput(t *testing.T) {
	if _, err := (NewTask{Title: "   "}).Build("u1"); !errors.Is(err, warperrors.ErrInvalidInput) {
		t.Fatalf("expected invalid input for blank title, got %v", err)
	}
	long := strings.Repeat("x", MaxTitleLen+1)
	if _, err := (NewTask{Title: long}).Build("u1"); !errors.Is(err, warperrors.ErrInvalidInput) {
		t.Fatalf("expected invalid input for long title, got %v", err)
	}
	if _, err := (NewTask{Title: "a", Priority: "urgent"}).Build("u1"); !errors.Is(err, warperrors.ErrInvalidInput) {
		t.Fatalf("expected invalid priority, got %v", err)
	}
}

func TestParsePriorityAcceptsShortForm(t *testing.T) {
	p, err := ParsePriority("med")
	if err != nil || p != PriorityMedium {
		t.Fatalf("expected medium, got %v err %v", p, err)
	}
}

func TestPatchApplyLeavesLockAlone(t *testing.T) {
	holder := "u1"
	now := time.Now()
	tk := &Task{Title: "a", Status: StatusOpen, Lock: Lock{IsLocked: true, LockedBy: &holder, LockedAt: &now}}
	done := StatusDone
	title := "b"
	p, err := Patch{Title: &title, Status: &done}.Normalize()
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	p.Apply(tk)
	if tk.Title != "b" || tk.Status != StatusDone {
		t.Fatalf("patch not applied: %+v", tk)
	}
	if tk.Lock.Holder() != "u1" {
		t.Fatal("patch must not touch lock")
	}
}

func TestPatchClearDueDate(t *testing.T) {
	due := time.Now()
	tk := &Task{DueDate: &due}
	Patch{ClearDueDate: true}.Apply(tk)
	if tk.DueDate != nil {
		t.Fatal("expected due date cleared")
	}
}

func TestCloneIsDeep(t *testing.T) {
	holder := "u1"
	tk := &Task{Lock: Lock{IsLocked: true, LockedBy: &holder}}
	cp := tk.Clone()
	*cp.Lock.LockedBy = "u2"
	if tk.Lock.Holder() != "u1" {
		t.Fatal("clone shares lock holder")
	}
}

func TestToggleAndFilter(t *testing.T) {
	if Toggle(StatusOpen) != StatusDone || Toggle(StatusDone) != StatusOpen {
		t.Fatal("toggle broken")
	}
	f := Filter{Status: StatusDone}
	if f.Matches(&Task{Status: StatusOpen}) {
		t.Fatal("filter should reject open task")
	}
	if !(Filter{}).Matches(&Task{Status: StatusOpen}) {
		t.Fatal("empty filter should match")
	}
}
