// Package status enumerates publication statuses shared by forums, topics
// and replies, and the sets the rest of the engine uses to decide what counts
// as visible.
package status

import "strings"

type Status string

const (
	Public   Status = "public"
	Pending  Status = "pending"
	Private  Status = "private"
	Hidden   Status = "hidden"
	Closed   Status = "closed"
	Spam     Status = "spam"
	Trash    Status = "trash"
	Orphan   Status = "orphan"
	Category Status = "category"
)

// Set is an unordered collection of statuses used for child queries.
type Set []Status

var (
	// Visible statuses are the ones counted in reply_count and topic_count.
	Visible = Set{Public, Closed}
	// Removed statuses are counted as hidden rollups.
	Removed = Set{Trash, Spam}
	// Any matches every status.
	Any = Set(nil)
)

func (s Set) Contains(value Status) bool {
	if len(s) == 0 {
		return true
	}
	for _, item := range s {
		if item == value {
			return true
		}
	}
	return false
}

// Key is a stable identifier for the set, used to scope cache entries.
func (s Set) Key() string {
	if len(s) == 0 {
		return "all"
	}
	parts := make([]string, len(s))
	for i, item := range s {
		parts[i] = string(item)
	}
	return strings.Join(parts, "+")
}

func (s Status) IsVisible() bool {
	return s == Public || s == Closed
}

func (s Status) IsRemoved() bool {
	return s == Trash || s == Spam
}

func Normalize(value string) Status {
	return Status(strings.ToLower(strings.TrimSpace(value)))
}

// State pairs the current status with the status it had before the last
// reversible transition. Previous is empty when there is nothing to undo.
type State struct {
	Current  Status
	Previous Status
}

func (s State) CanRestore() bool {
	return s.Previous != ""
}

// Push moves to next, remembering the current status for a later Restore.
func (s State) Push(next Status) State {
	return State{Current: next, Previous: s.Current}
}

// Restore returns to the stashed status, or to fallback when nothing was stashed.
func (s State) Restore(fallback Status) State {
	if s.Previous == "" {
		return State{Current: fallback}
	}
	return State{Current: s.Previous}
}
