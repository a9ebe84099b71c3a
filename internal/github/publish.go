package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/chainguard-dev/clog"
	gh "github.com/google/go-github/v66/github"

	"github.com/cexll/tracksync/internal/changerequest"
)

const fallbackBaseBranch = "main"

// once runs fn a single time under the call timeout. Creates are not
// retried.
func (h *CodeHost) once(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	return fn(ctx)
}

func isNotFound(err error) bool {
	var resp *gh.ErrorResponse
	return errors.As(err, &resp) && resp.Response != nil && resp.Response.StatusCode == http.StatusNotFound
}

// EnsureBranch creates branch in repo from base unless it already exists
// and returns the base branch used. An empty base means the repository's
// default branch. A new branch gets one empty commit carrying message, so a
// pull request can be opened from it right away.
func (h *CodeHost) EnsureBranch(ctx context.Context, repo, branch, base, message string) (string, error) {
	owner, name, err := changerequest.Ref{Repo: repo, Number: 1}.OwnerName()
	if err != nil {
		return "", err
	}
	client, err := h.rest(ctx, repo)
	if err != nil {
		return "", err
	}
	log := clog.FromContext(ctx).With("repo", repo, "branch", branch)

	if base == "" {
		var r *gh.Repository
		err := h.call(ctx, "get_repository", func(ctx context.Context) error {
			var err error
			r, _, err = client.Repositories.Get(ctx, owner, name)
			return err
		})
		if err != nil {
			return "", fmt.Errorf("get repository %s: %w", repo, err)
		}
		base = r.GetDefaultBranch()
		if base == "" {
			base = fallbackBaseBranch
		}
	}

	err = h.call(ctx, "get_ref", func(ctx context.Context) error {
		_, _, err := client.Git.GetRef(ctx, owner, name, "heads/"+branch)
		return err
	})
	switch {
	case err == nil:
		log.Info("Branch already exists")
		return base, nil
	case !isNotFound(err):
		return "", fmt.Errorf("look up branch %s: %w", branch, err)
	}

	var baseRef *gh.Reference
	err = h.call(ctx, "get_ref", func(ctx context.Context) error {
		var err error
		baseRef, _, err = client.Git.GetRef(ctx, owner, name, "heads/"+base)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("look up base branch %s: %w", base, err)
	}
	baseSHA := baseRef.GetObject().GetSHA()

	var parent *gh.Commit
	err = h.call(ctx, "get_commit", func(ctx context.Context) error {
		var err error
		parent, _, err = client.Git.GetCommit(ctx, owner, name, baseSHA)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("get commit %s: %w", baseSHA, err)
	}

	var start *gh.Commit
	err = h.once(ctx, func(ctx context.Context) error {
		var err error
		start, _, err = client.Git.CreateCommit(ctx, owner, name, &gh.Commit{
			Message: gh.String(message),
			Tree:    &gh.Tree{SHA: gh.String(parent.GetTree().GetSHA())},
			Parents: []*gh.Commit{{SHA: gh.String(baseSHA)}},
		}, nil)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create start commit on %s: %w", branch, err)
	}

	err = h.once(ctx, func(ctx context.Context) error {
		_, _, err := client.Git.CreateRef(ctx, owner, name, &gh.Reference{
			Ref:    gh.String("refs/heads/" + branch),
			Object: &gh.GitObject{SHA: start.SHA},
		})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create branch %s: %w", branch, err)
	}
	log.Infof("Created branch from %s", base)
	return base, nil
}

// OpenPullRequest returns the open pull request from d.Head, creating it
// from d when there is none. created reports which happened.
func (h *CodeHost) OpenPullRequest(ctx context.Context, d changerequest.Draft) (ref changerequest.Ref, created bool, err error) {
	owner, name, err := changerequest.Ref{Repo: d.Repo, Number: 1}.OwnerName()
	if err != nil {
		return ref, false, err
	}
	client, err := h.rest(ctx, d.Repo)
	if err != nil {
		return ref, false, err
	}
	ref.Repo = d.Repo

	var existing []*gh.PullRequest
	err = h.call(ctx, "list_pull_requests", func(ctx context.Context) error {
		var err error
		existing, _, err = client.PullRequests.List(ctx, owner, name, &gh.PullRequestListOptions{
			State:       "open",
			Head:        owner + ":" + d.Head,
			ListOptions: gh.ListOptions{PerPage: 1},
		})
		return err
	})
	if err != nil {
		return ref, false, fmt.Errorf("list pull requests of %s: %w", d.Head, err)
	}
	if len(existing) > 0 {
		ref.Number = existing[0].GetNumber()
		clog.FromContext(ctx).With("change_request", ref.Key()).Info("Reusing open pull request")
		return ref, false, nil
	}

	var pr *gh.PullRequest
	err = h.once(ctx, func(ctx context.Context) error {
		var err error
		pr, _, err = client.PullRequests.Create(ctx, owner, name, &gh.NewPullRequest{
			Title: gh.String(d.Title),
			Head:  gh.String(d.Head),
			Base:  gh.String(d.Base),
			Body:  gh.String(d.Body),
		})
		return err
	})
	if err != nil {
		return ref, false, fmt.Errorf("create pull request from %s: %w", d.Head, err)
	}
	ref.Number = pr.GetNumber()
	clog.FromContext(ctx).With("change_request", ref.Key()).Infof("Created pull request %s", pr.GetHTMLURL())
	return ref, true, nil
}
