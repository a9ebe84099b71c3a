// Package workitem derives issue tracker statuses from checklist progress.
package workitem

import (
	"context"
	"fmt"

	"github.com/cexll/tracksync/internal/checklist"
)

// Status is the internal work item status pushed to the issue tracker.
type Status string

const (
	StatusToDo       Status = "to_do"
	StatusInProgress Status = "in_progress"
	StatusInReview   Status = "in_review"
	StatusDone       Status = "done"
)

// Statuses lists every status.
var Statuses = []Status{StatusToDo, StatusInProgress, StatusInReview, StatusDone}

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, error) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown work item status: %q", s)
}

// Derive maps a checklist to a status; the first matching rule wins.
func Derive(s checklist.State) Status {
	switch {
	case s.Acceptance:
		return StatusDone
	case s.Review:
		return StatusInReview
	case s.Implementation || s.Tests || s.Documentation:
		return StatusInProgress
	default:
		return StatusToDo
	}
}

// Tracker pushes statuses to the issue tracker. Pushing the current status
// again must be harmless.
type Tracker interface {
	PushStatus(ctx context.Context, issueKey string, status Status) error
}

// TrackerFunc adapts a function to Tracker.
type TrackerFunc func(ctx context.Context, issueKey string, status Status) error

func (f TrackerFunc) PushStatus(ctx context.Context, issueKey string, status Status) error {
	return f(ctx, issueKey, status)
}

// Disabled is a Tracker that never pushes.
var Disabled Tracker = TrackerFunc(func(context.Context, string, Status) error { return nil })

// Story is the issue tracker record a pull request is opened for.
type Story struct {
	Key         string   `json:"key"`
	Summary     string   `json:"summary"`
	Description string   `json:"description,omitempty"`
	Status      string   `json:"status,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	Components  []string `json:"components,omitempty"`
	// URL is the browser link to the issue.
	URL string `json:"url,omitempty"`
}

// StorySource fetches stories from the issue tracker.
type StorySource interface {
	GetStory(ctx context.Context, issueKey string) (Story, error)
}
