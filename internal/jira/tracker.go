// Package jira pushes derived work-item status to Jira issues.
package jira

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gojira "github.com/andygrunwald/go-jira"
	"github.com/chainguard-dev/clog"

	"github.com/cexll/tracksync/internal/workitem"
)

// ErrNoMapping means the status is not one the tracker knows a Jira name for.
var ErrNoMapping = errors.New("no jira status mapped")

// DefaultStatusMapping maps derived statuses to stock Jira workflow names.
func DefaultStatusMapping() map[workitem.Status]string {
	return map[workitem.Status]string{
		workitem.StatusToDo:       "To Do",
		workitem.StatusInProgress: "In Progress",
		workitem.StatusInReview:   "In Review",
		workitem.StatusDone:       "Done",
	}
}

// Config configures the tracker.
type Config struct {
	// UpdateStatus gates every push. When false PushStatus is a no-op.
	UpdateStatus  bool
	URL           string
	Username      string
	APIToken      string
	// StatusMapping overrides entries of DefaultStatusMapping.
	StatusMapping map[workitem.Status]string
	Timeout       time.Duration
	// HTTPClient overrides the basic-auth client; tests use it.
	HTTPClient *http.Client
}

// Tracker moves Jira issues through their workflow.
type Tracker struct {
	client  *gojira.Client
	baseURL string
	enabled bool
	mapping map[workitem.Status]string
	timeout time.Duration
}

var (
	_ workitem.Tracker     = (*Tracker)(nil)
	_ workitem.StorySource = (*Tracker)(nil)
)

// ErrNotConnected means no Jira URL was configured.
var ErrNotConnected = errors.New("jira connection not configured")

// New creates a tracker. A disabled tracker needs no connection settings;
// without a URL it cannot fetch stories either.
func New(cfg Config) (*Tracker, error) {
	t := &Tracker{
		enabled: cfg.UpdateStatus,
		mapping: mergeMapping(cfg.StatusMapping),
		timeout: cfg.Timeout,
	}
	if t.timeout <= 0 {
		t.timeout = 20 * time.Second
	}
	if cfg.URL == "" {
		if t.enabled {
			return nil, errors.New("jira url is required when status updates are enabled")
		}
		return t, nil
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		tp := gojira.BasicAuthTransport{Username: cfg.Username, Password: cfg.APIToken}
		httpClient = tp.Client()
	}
	client, err := gojira.NewClient(httpClient, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("create jira client: %w", err)
	}
	t.client = client
	t.baseURL = strings.TrimSuffix(cfg.URL, "/")
	return t, nil
}

// mergeMapping lays the configured names over DefaultStatusMapping, so a
// partial mapping still covers every status.
func mergeMapping(configured map[workitem.Status]string) map[workitem.Status]string {
	out := DefaultStatusMapping()
	for st, name := range configured {
		if name != "" {
			out[st] = name
		}
	}
	return out
}

// PushStatus implements workitem.Tracker. The issue is left alone when it is
// already in the target status or no transition leads there.
func (t *Tracker) PushStatus(ctx context.Context, issueKey string, status workitem.Status) error {
	log := clog.FromContext(ctx).With("issue", issueKey, "status", string(status))
	if !t.enabled {
		log.Debug("Jira status updates disabled, skipping")
		return nil
	}

	target, ok := t.mapping[status]
	if !ok || target == "" {
		return fmt.Errorf("%w: %s", ErrNoMapping, status)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	issue, resp, err := t.client.Issue.GetWithContext(ctx, issueKey, &gojira.GetQueryOptions{Fields: "status"})
	if err != nil {
		return fmt.Errorf("get issue %s: %w", issueKey, gojira.NewJiraError(resp, err))
	}
	if current := currentStatus(issue); strings.EqualFold(current, target) {
		log.Debugf("Issue already in %q", current)
		return nil
	}

	transitions, resp, err := t.client.Issue.GetTransitionsWithContext(ctx, issueKey)
	if err != nil {
		return fmt.Errorf("list transitions of %s: %w", issueKey, gojira.NewJiraError(resp, err))
	}
	for _, tr := range transitions {
		if !strings.EqualFold(tr.To.Name, target) {
			continue
		}
		if resp, err := t.client.Issue.DoTransitionWithContext(ctx, issueKey, tr.ID); err != nil {
			return fmt.Errorf("transition %s to %q: %w", issueKey, target, gojira.NewJiraError(resp, err))
		}
		log.Infof("Moved issue to %q", target)
		return nil
	}

	log.Warnf("No transition to %q available", target)
	return nil
}

// GetStory implements workitem.StorySource.
func (t *Tracker) GetStory(ctx context.Context, issueKey string) (workitem.Story, error) {
	if t.client == nil {
		return workitem.Story{}, ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	issue, resp, err := t.client.Issue.GetWithContext(ctx, issueKey, &gojira.GetQueryOptions{
		Fields: "summary,description,status,priority,labels,components",
	})
	if err != nil {
		return workitem.Story{}, fmt.Errorf("get story %s: %w", issueKey, gojira.NewJiraError(resp, err))
	}
	story := workitem.Story{
		Key:    issue.Key,
		URL:    t.baseURL + "/browse/" + issue.Key,
		Status: currentStatus(issue),
	}
	if story.Key == "" {
		story.Key = issueKey
		story.URL = t.baseURL + "/browse/" + issueKey
	}
	if f := issue.Fields; f != nil {
		story.Summary = f.Summary
		story.Description = f.Description
		story.Labels = f.Labels
		if f.Priority != nil {
			story.Priority = f.Priority.Name
		}
		for _, c := range f.Components {
			if c != nil {
				story.Components = append(story.Components, c.Name)
			}
		}
	}
	return story, nil
}

func currentStatus(issue *gojira.Issue) string {
	if issue == nil || issue.Fields == nil || issue.Fields.Status == nil {
		return ""
	}
	return issue.Fields.Status.Name
}
