package model

import (
	"errors"
	"sort"
	"strings"
	"time"
)

var (
	ErrEmptyListName   = errors.New("model: list name is required")
	ErrDefaultList     = errors.New("model: default lists cannot be deleted")
	ErrUnknownListName = errors.New("model: unknown list")
)

// DefaultLists always exist for every user and are not deletable.
var DefaultLists = []string{"home", "work"}

// List is a named grouping of tasks. Identity is the name, case as
// entered, unique per user.
type List struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

func (l List) Validate() error {
	if strings.TrimSpace(l.Name) == "" {
		return ErrEmptyListName
	}
	return nil
}

func IsDefaultList(name string) bool {
	for _, d := range DefaultLists {
		if name == d {
			return true
		}
	}
	return false
}

// SortBrowse orders tasks for the browse view: open tasks first, then
// completed tasks newest-completion first.
func SortBrowse(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Completed != b.Completed {
			return !a.Completed
		}
		if a.Completed && b.Completed && a.CompletedAt != nil && b.CompletedAt != nil {
			return a.CompletedAt.After(*b.CompletedAt)
		}
		return false
	})
}

// DashboardView filters tasks for the dashboard: effective (read-time)
// state, not snoozed, not completed, matching the given list ("all"
// matches every list), capped at limit.
func DashboardView(tasks []Task, list string, limit int, now time.Time) []Task {
	out := make([]Task, 0, limit)
	for _, t := range tasks {
		eff := t.Effective(now)
		if eff.Snoozed || eff.Completed {
			continue
		}
		if list != "all" && eff.List != list {
			continue
		}
		out = append(out, eff)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
