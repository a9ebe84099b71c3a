package github

import (
	"context"
	"fmt"

	gh "github.com/google/go-github/v66/github"
	"github.com/shurcooL/githubv4"

	"github.com/cexll/tracksync/internal/changerequest"
	"github.com/cexll/tracksync/internal/signals"
)

// GetPipelineStatus implements signals.Inspector. Commit statuses take
// precedence; check runs are consulted when the head commit has none.
// A head commit with neither reports an unknown pipeline.
func (h *CodeHost) GetPipelineStatus(ctx context.Context, ref changerequest.Ref) (signals.PipelineStatus, error) {
	pr, err := h.pullRequest(ctx, ref)
	if err != nil {
		return signals.PipelineStatus{}, err
	}
	sha := pr.GetHead().GetSHA()
	if sha == "" {
		return signals.PipelineStatus{}, nil
	}

	owner, name, _ := ref.OwnerName()
	client, err := h.rest(ctx, ref.Repo)
	if err != nil {
		return signals.PipelineStatus{}, err
	}

	var combined *gh.CombinedStatus
	err = h.call(ctx, "get_combined_status", func(ctx context.Context) error {
		var err error
		combined, _, err = client.Repositories.GetCombinedStatus(ctx, owner, name, sha, &gh.ListOptions{PerPage: pageSize})
		return err
	})
	if err != nil {
		return signals.PipelineStatus{}, fmt.Errorf("combined status of %s: %w", ref, err)
	}
	if combined.GetTotalCount() > 0 {
		return signals.PipelineStatus{Known: true, State: combined.GetState()}, nil
	}

	var runs []*gh.CheckRun
	opts := &gh.ListCheckRunsOptions{ListOptions: gh.ListOptions{PerPage: pageSize}}
	for {
		var (
			res  *gh.ListCheckRunsResults
			resp *gh.Response
		)
		err := h.call(ctx, "list_check_runs", func(ctx context.Context) error {
			var err error
			res, resp, err = client.Checks.ListCheckRunsForRef(ctx, owner, name, sha, opts)
			return err
		})
		if err != nil {
			return signals.PipelineStatus{}, fmt.Errorf("check runs of %s: %w", ref, err)
		}
		runs = append(runs, res.CheckRuns...)
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	if len(runs) == 0 {
		return signals.PipelineStatus{}, nil
	}
	return signals.PipelineStatus{Known: true, State: checkRunsState(runs)}, nil
}

// checkRunsState folds check runs into a single commit-status style state.
func checkRunsState(runs []*gh.CheckRun) string {
	state := "success"
	for _, run := range runs {
		if run.GetStatus() != "completed" {
			state = "pending"
			continue
		}
		switch run.GetConclusion() {
		case "success", "neutral", "skipped":
		default:
			return "failure"
		}
	}
	return state
}

// GetApprovalCount implements signals.Inspector. It counts reviewers whose
// most recent decisive review is an approval.
func (h *CodeHost) GetApprovalCount(ctx context.Context, ref changerequest.Ref) (int, error) {
	owner, name, err := ref.OwnerName()
	if err != nil {
		return 0, err
	}
	client, err := h.rest(ctx, ref.Repo)
	if err != nil {
		return 0, err
	}

	latest := map[string]string{}
	opts := &gh.ListOptions{PerPage: pageSize}
	for {
		var (
			page []*gh.PullRequestReview
			resp *gh.Response
		)
		err := h.call(ctx, "list_reviews", func(ctx context.Context) error {
			var err error
			page, resp, err = client.PullRequests.ListReviews(ctx, owner, name, ref.Number, opts)
			return err
		})
		if err != nil {
			return 0, fmt.Errorf("list reviews of %s: %w", ref, err)
		}
		// Reviews are returned oldest first.
		for _, r := range page {
			switch state := r.GetState(); state {
			case "APPROVED", "CHANGES_REQUESTED", "DISMISSED":
				latest[r.GetUser().GetLogin()] = state
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	approvals := 0
	for _, state := range latest {
		if state == "APPROVED" {
			approvals++
		}
	}
	return approvals, nil
}

type reviewThreadsQuery struct {
	Repository struct {
		PullRequest struct {
			ReviewThreads struct {
				Nodes []struct {
					IsResolved bool
				}
				PageInfo struct {
					HasNextPage bool
					EndCursor   githubv4.String
				}
			} `graphql:"reviewThreads(first: 100, after: $cursor)"`
		} `graphql:"pullRequest(number: $number)"`
	} `graphql:"repository(owner: $owner, name: $repo)"`
}

// ListDiscussions implements signals.Inspector using review threads, the
// only GitHub conversations with a resolution flag.
func (h *CodeHost) ListDiscussions(ctx context.Context, ref changerequest.Ref) ([]signals.Discussion, error) {
	owner, name, err := ref.OwnerName()
	if err != nil {
		return nil, err
	}
	client, err := h.graphql(ctx, ref.Repo)
	if err != nil {
		return nil, err
	}

	variables := map[string]any{
		"owner":  githubv4.String(owner),
		"repo":   githubv4.String(name),
		"number": githubv4.Int(ref.Number),
		"cursor": (*githubv4.String)(nil),
	}

	var out []signals.Discussion
	for {
		var q reviewThreadsQuery
		err := h.call(ctx, "review_threads", func(ctx context.Context) error {
			return client.Query(ctx, &q, variables)
		})
		if err != nil {
			return nil, fmt.Errorf("review threads of %s: %w", ref, err)
		}
		threads := q.Repository.PullRequest.ReviewThreads
		for _, n := range threads.Nodes {
			resolved := n.IsResolved
			out = append(out, signals.Discussion{Resolved: &resolved})
		}
		if !threads.PageInfo.HasNextPage {
			return out, nil
		}
		variables["cursor"] = githubv4.NewString(threads.PageInfo.EndCursor)
	}
}
