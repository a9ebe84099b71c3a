// Package github adapts the GitHub REST and GraphQL APIs to the change
// request and signal interfaces used by the reconciler.
package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	gh "github.com/google/go-github/v66/github"
	"github.com/shurcooL/githubv4"

	"github.com/cexll/tracksync/internal/changerequest"
	"github.com/cexll/tracksync/internal/signals"
)

const (
	defaultAPIURL      = "https://api.github.com/"
	defaultCallTimeout = 20 * time.Second
	pageSize           = 100
)

// CodeHost reads and writes pull requests on GitHub. Every remote call is
// bounded by the configured timeout.
type CodeHost struct {
	creds      Credentials
	apiURL     *url.URL
	graphqlURL string
	httpClient *http.Client
	timeout    time.Duration
	retry      RetryPolicy
}

var (
	_ changerequest.DocumentStore = (*CodeHost)(nil)
	_ signals.Inspector           = (*CodeHost)(nil)
)

// Option configures a CodeHost.
type Option func(*CodeHost)

// WithAPIURL points the client at a different REST root, e.g. GitHub
// Enterprise or a test server.
func WithAPIURL(raw string) Option {
	return func(h *CodeHost) {
		if raw == "" {
			return
		}
		if u, err := url.Parse(strings.TrimSuffix(raw, "/") + "/"); err == nil {
			h.apiURL = u
			h.graphqlURL = graphqlEndpoint(u)
		}
	}
}

// WithHTTPClient sets the base transport.
func WithHTTPClient(c *http.Client) Option {
	return func(h *CodeHost) { h.httpClient = c }
}

// WithCallTimeout bounds every remote call.
func WithCallTimeout(d time.Duration) Option {
	return func(h *CodeHost) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(h *CodeHost) { h.retry = p }
}

// NewCodeHost creates a GitHub code host.
func NewCodeHost(creds Credentials, opts ...Option) *CodeHost {
	u, _ := url.Parse(defaultAPIURL)
	h := &CodeHost{
		creds:      creds,
		apiURL:     u,
		graphqlURL: graphqlEndpoint(u),
		httpClient: &http.Client{},
		timeout:    defaultCallTimeout,
		retry:      DefaultRetryPolicy,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// graphqlEndpoint derives the GraphQL URL from a REST root: api.github.com
// serves it at /graphql, Enterprise at /api/graphql.
func graphqlEndpoint(api *url.URL) string {
	s := api.String()
	if strings.HasSuffix(s, "/api/v3/") {
		return strings.TrimSuffix(s, "v3/") + "graphql"
	}
	return s + "graphql"
}

func (h *CodeHost) rest(ctx context.Context, repo string) (*gh.Client, error) {
	token, err := h.creds.Token(ctx, repo)
	if err != nil {
		return nil, fmt.Errorf("github credentials for %s: %w", repo, err)
	}
	client := gh.NewClient(h.httpClient).WithAuthToken(token)
	client.BaseURL = h.apiURL
	return client, nil
}

func (h *CodeHost) graphql(ctx context.Context, repo string) (*githubv4.Client, error) {
	client, err := h.rest(ctx, repo)
	if err != nil {
		return nil, err
	}
	return githubv4.NewEnterpriseClient(h.graphqlURL, client.Client()), nil
}

// call runs fn with retries, each attempt bounded by the call timeout.
func (h *CodeHost) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return retryWithBackoff(ctx, h.retry, op, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, h.timeout)
		defer cancel()
		return fn(ctx)
	})
}

// pullRequest reads ref, reusing the copy cached in ctx when there is one.
// Failed reads are not cached.
func (h *CodeHost) pullRequest(ctx context.Context, ref changerequest.Ref) (*gh.PullRequest, error) {
	cache := cacheFrom(ctx)
	if cache == nil {
		return h.fetchPullRequest(ctx, ref)
	}
	cache.mu.Lock()
	defer cache.mu.Unlock()
	if pr, ok := cache.prs[ref.Key()]; ok {
		return pr, nil
	}
	pr, err := h.fetchPullRequest(ctx, ref)
	if err != nil {
		return nil, err
	}
	cache.prs[ref.Key()] = pr
	return pr, nil
}

func (h *CodeHost) fetchPullRequest(ctx context.Context, ref changerequest.Ref) (*gh.PullRequest, error) {
	owner, name, err := ref.OwnerName()
	if err != nil {
		return nil, err
	}
	client, err := h.rest(ctx, ref.Repo)
	if err != nil {
		return nil, err
	}

	var pr *gh.PullRequest
	err = h.call(ctx, "get_pull_request", func(ctx context.Context) error {
		var err error
		pr, _, err = client.PullRequests.Get(ctx, owner, name, ref.Number)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get pull request %s: %w", ref, err)
	}
	return pr, nil
}

// GetDescription implements changerequest.DocumentStore.
func (h *CodeHost) GetDescription(ctx context.Context, ref changerequest.Ref) (string, error) {
	pr, err := h.pullRequest(ctx, ref)
	if err != nil {
		return "", err
	}
	return pr.GetBody(), nil
}

// SetDescription implements changerequest.DocumentStore.
func (h *CodeHost) SetDescription(ctx context.Context, ref changerequest.Ref, text string) error {
	owner, name, err := ref.OwnerName()
	if err != nil {
		return err
	}
	client, err := h.rest(ctx, ref.Repo)
	if err != nil {
		return err
	}

	err = h.call(ctx, "edit_pull_request", func(ctx context.Context) error {
		_, _, err := client.PullRequests.Edit(ctx, owner, name, ref.Number, &gh.PullRequest{Body: gh.String(text)})
		return err
	})
	if err != nil {
		return fmt.Errorf("update description of %s: %w", ref, err)
	}
	cacheFrom(ctx).setBody(ref, text)
	return nil
}

// GetLifecycle implements changerequest.DocumentStore.
func (h *CodeHost) GetLifecycle(ctx context.Context, ref changerequest.Ref) (changerequest.Lifecycle, error) {
	pr, err := h.pullRequest(ctx, ref)
	if err != nil {
		return "", err
	}
	return lifecycleOf(pr), nil
}

func lifecycleOf(pr *gh.PullRequest) changerequest.Lifecycle {
	switch {
	case pr.GetMerged() || pr.MergedAt != nil:
		return changerequest.LifecycleMerged
	case pr.GetState() == "closed":
		return changerequest.LifecycleClosed
	default:
		return changerequest.LifecycleOpen
	}
}

// SourceBranch implements signals.BranchResolver.
func (h *CodeHost) SourceBranch(ctx context.Context, ref changerequest.Ref) (string, error) {
	pr, err := h.pullRequest(ctx, ref)
	if err != nil {
		return "", err
	}
	branch := pr.GetHead().GetRef()
	if branch == "" {
		return "", fmt.Errorf("pull request %s has no head branch", ref)
	}
	return branch, nil
}

// ListBranchFiles implements signals.Inspector. It lists every path in the
// branch's tree, directories included.
func (h *CodeHost) ListBranchFiles(ctx context.Context, repo, branch string) ([]string, error) {
	owner, name, err := changerequest.Ref{Repo: repo, Number: 1}.OwnerName()
	if err != nil {
		return nil, err
	}
	client, err := h.rest(ctx, repo)
	if err != nil {
		return nil, err
	}

	var tree *gh.Tree
	err = h.call(ctx, "get_tree", func(ctx context.Context) error {
		var err error
		tree, _, err = client.Git.GetTree(ctx, owner, name, branch, true)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list files of %s@%s: %w", repo, branch, err)
	}
	if tree.GetTruncated() {
		clog.FromContext(ctx).Warnf("Tree of %s@%s is truncated, file signals may be incomplete", repo, branch)
	}

	files := make([]string, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		files = append(files, e.GetPath())
	}
	return files, nil
}

// ListChangedFiles implements signals.Inspector.
func (h *CodeHost) ListChangedFiles(ctx context.Context, ref changerequest.Ref) ([]string, error) {
	owner, name, err := ref.OwnerName()
	if err != nil {
		return nil, err
	}
	client, err := h.rest(ctx, ref.Repo)
	if err != nil {
		return nil, err
	}

	var files []string
	opts := &gh.ListOptions{PerPage: pageSize}
	for {
		var (
			page []*gh.CommitFile
			resp *gh.Response
		)
		err := h.call(ctx, "list_pull_request_files", func(ctx context.Context) error {
			var err error
			page, resp, err = client.PullRequests.ListFiles(ctx, owner, name, ref.Number, opts)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("list changed files of %s: %w", ref, err)
		}
		for _, f := range page {
			files = append(files, f.GetFilename())
		}
		if resp.NextPage == 0 {
			return files, nil
		}
		opts.Page = resp.NextPage
	}
}
