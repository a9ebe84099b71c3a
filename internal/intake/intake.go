// Package intake opens a tracked pull request for an issue tracker story.
package intake

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"text/template"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/cexll/tracksync/internal/changerequest"
	"github.com/cexll/tracksync/internal/checklist"
	"github.com/cexll/tracksync/internal/tracking"
	"github.com/cexll/tracksync/internal/workitem"
)

//go:embed templates/pull_request.md.tmpl
var templatesFS embed.FS

var bodyTemplate = template.Must(template.New("pull_request.md.tmpl").
	Funcs(template.FuncMap{"join": strings.Join}).
	ParseFS(templatesFS, "templates/pull_request.md.tmpl"))

var issueKeyPattern = regexp.MustCompile(`^[A-Z][A-Z0-9]+-[0-9]+$`)

// ErrInvalidRequest wraps request validation failures.
var ErrInvalidRequest = errors.New("invalid story request")

// Publisher creates branches and pull requests on the code host.
type Publisher interface {
	EnsureBranch(ctx context.Context, repo, branch, base, message string) (string, error)
	OpenPullRequest(ctx context.Context, d changerequest.Draft) (changerequest.Ref, bool, error)
}

// Request names the story to start and where to open its pull request.
type Request struct {
	IssueKey string `json:"issue_key"`
	Repo     string `json:"repo"`
	// BaseBranch defaults to the repository's default branch.
	BaseBranch string `json:"base_branch,omitempty"`
}

// Validate checks the request.
func (r Request) Validate() error {
	if !issueKeyPattern.MatchString(r.IssueKey) {
		return fmt.Errorf("%w: issue_key %q is not an issue key", ErrInvalidRequest, r.IssueKey)
	}
	if err := (changerequest.Ref{Repo: r.Repo, Number: 1}).Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}

// Result describes the pull request a story was started on.
type Result struct {
	Story         workitem.Story    `json:"story"`
	ChangeRequest changerequest.Ref `json:"change_request"`
	Branch        string            `json:"branch"`
	BaseBranch    string            `json:"base_branch"`
	// Created is false when an open pull request was reused.
	Created bool `json:"created"`
	// Tracked is false when the pull request was already tracked.
	Tracked bool `json:"tracked"`
}

// Service starts stories.
type Service struct {
	stories   workitem.StorySource
	publisher Publisher
	store     *tracking.Store
	tracker   workitem.Tracker
	now       func() time.Time
}

// NewService creates a service. A nil tracker disables status pushes.
func NewService(stories workitem.StorySource, publisher Publisher, store *tracking.Store, tracker workitem.Tracker) *Service {
	if tracker == nil {
		tracker = workitem.Disabled
	}
	return &Service{
		stories:   stories,
		publisher: publisher,
		store:     store,
		tracker:   tracker,
		now:       time.Now,
	}
}

// BranchName is the feature branch a story is worked on.
func BranchName(issueKey string) string {
	return "feature/" + strings.ToLower(issueKey)
}

// Title is the pull request title for a story.
func Title(s workitem.Story) string {
	return fmt.Sprintf("Implement %s: %s", s.Key, s.Summary)
}

// Body renders the pull request description for a story, with an
// unchecked progress checklist.
func Body(s workitem.Story, opened time.Time) (string, error) {
	var buf bytes.Buffer
	err := bodyTemplate.Execute(&buf, struct {
		Story     workitem.Story
		Checklist string
		Opened    time.Time
	}{s, checklist.Render(checklist.State{}), opened})
	if err != nil {
		return "", fmt.Errorf("render pull request body: %w", err)
	}
	return buf.String(), nil
}

// Start fetches the story, opens its pull request and tracks it. The issue
// moves to in progress once the story is read and to in review once the
// pull request exists. Status push failures are logged only.
func (s *Service) Start(ctx context.Context, req Request) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}
	log := clog.FromContext(ctx).With("issue", req.IssueKey, "repo", req.Repo)

	story, err := s.stories.GetStory(ctx, req.IssueKey)
	if err != nil {
		return Result{}, fmt.Errorf("fetch story: %w", err)
	}
	s.push(ctx, story.Key, workitem.StatusInProgress)

	res := Result{Story: story, Branch: BranchName(story.Key)}
	res.BaseBranch, err = s.publisher.EnsureBranch(ctx, req.Repo, res.Branch, req.BaseBranch, "Start "+Title(story))
	if err != nil {
		return res, fmt.Errorf("prepare branch: %w", err)
	}

	body, err := Body(story, s.now())
	if err != nil {
		return res, err
	}
	res.ChangeRequest, res.Created, err = s.publisher.OpenPullRequest(ctx, changerequest.Draft{
		Repo:  req.Repo,
		Head:  res.Branch,
		Base:  res.BaseBranch,
		Title: Title(story),
		Body:  body,
	})
	if err != nil {
		return res, fmt.Errorf("open pull request: %w", err)
	}

	_, res.Tracked = s.store.Add(res.ChangeRequest, story.Key)
	log.With("change_request", res.ChangeRequest.Key()).Infof("Story started on %s (created=%t tracked=%t)", res.Branch, res.Created, res.Tracked)

	s.push(ctx, story.Key, workitem.StatusInReview)
	return res, nil
}

func (s *Service) push(ctx context.Context, issueKey string, status workitem.Status) {
	if err := s.tracker.PushStatus(ctx, issueKey, status); err != nil {
		clog.FromContext(ctx).With("issue", issueKey).Errorf("Failed to move issue to %s: %v", status, err)
	}
}
