package github

import (
	"context"
	"sync"

	gh "github.com/google/go-github/v66/github"

	"github.com/cexll/tracksync/internal/changerequest"
)

var _ changerequest.CycleScoper = (*CodeHost)(nil)

type prCacheKey struct{}

// prCache holds the pull requests read during one cycle.
type prCache struct {
	mu  sync.Mutex
	prs map[string]*gh.PullRequest
}

// WithCycleScope implements changerequest.CycleScoper. Pull requests read
// through the returned context are fetched once and reused until the
// context is dropped.
func (h *CodeHost) WithCycleScope(ctx context.Context) context.Context {
	if _, ok := ctx.Value(prCacheKey{}).(*prCache); ok {
		return ctx
	}
	return context.WithValue(ctx, prCacheKey{}, &prCache{prs: map[string]*gh.PullRequest{}})
}

func cacheFrom(ctx context.Context) *prCache {
	c, _ := ctx.Value(prCacheKey{}).(*prCache)
	return c
}

// setBody keeps a cached pull request in step with a description write.
func (c *prCache) setBody(ref changerequest.Ref, body string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if pr, ok := c.prs[ref.Key()]; ok {
		pr.Body = gh.String(body)
	}
}
