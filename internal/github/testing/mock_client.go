// Package testing provides an in-memory GitHub API for tests.
package testing

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
)

// PullRequest is the server-side state of one pull request.
type PullRequest struct {
	Number  int
	Title   string
	Body    string
	State   string // "open" or "closed"
	Merged  bool
	HeadRef string
	HeadSHA string
	BaseRef string
	Files   []string
	Reviews []Review
	Threads []bool // resolution flag per review thread
}

// Review is one submitted pull request review.
type Review struct {
	User  string
	State string
}

// CheckRun is one check run on a commit.
type CheckRun struct {
	Status     string
	Conclusion string
}

// Route names accepted by Fail.
const (
	RouteGetPull    = "pulls.get"
	RouteEditPull   = "pulls.edit"
	RouteListFiles  = "pulls.files"
	RouteReviews    = "pulls.reviews"
	RouteTree       = "git.tree"
	RouteStatus     = "commits.status"
	RouteCheckRuns  = "commits.check-runs"
	RouteGraphQL    = "graphql"
	RouteInstallID  = "repos.installation"
	RouteAccessToks = "app.access_tokens"
	RouteGetRepo    = "repos.get"
	RouteGetRef     = "git.ref"
	RouteGetCommit  = "git.commit"
	RouteNewCommit  = "git.create-commit"
	RouteNewRef     = "git.create-ref"
	RouteListPulls  = "pulls.list"
	RouteNewPull    = "pulls.create"
)

// Commit is a commit created through the API.
type Commit struct {
	SHA     string
	Message string
	Tree    string
	Parents []string
}

// Server is a fake GitHub API for repository owner/repo.
type Server struct {
	*httptest.Server

	mu sync.Mutex
	// PageSize limits list responses so pagination is exercised.
	PageSize      int
	Pulls         map[int]*PullRequest
	Tree          map[string][]string // branch -> file paths
	TreeTruncated bool
	// Statuses maps a commit SHA to its commit status states.
	Statuses  map[string][]string
	CheckRuns map[string][]CheckRun
	// DefaultBranch is reported by the repository endpoint.
	DefaultBranch string
	// Branches maps a branch name to its head commit SHA.
	Branches map[string]string
	// Commits records the commits created through the API.
	Commits []Commit
	// Requests counts calls per route.
	Requests map[string]int
	// Tokens records the Authorization headers seen.
	Tokens []string

	failures map[string][]int
}

// NewMockGitHubServer starts a fake GitHub API. Close it when done.
func NewMockGitHubServer() *Server {
	s := &Server{
		PageSize:  100,
		Pulls:     map[int]*PullRequest{},
		Tree:      map[string][]string{},
		Statuses:  map[string][]string{},
		CheckRuns: map[string][]CheckRun{},
		Requests:  map[string]int{},
		failures:  map[string][]int{},

		DefaultBranch: "main",
		Branches:      map[string]string{"main": "base-sha"},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/owner/repo/pulls/{number}", s.route(RouteGetPull, s.getPull))
	mux.HandleFunc("PATCH /repos/owner/repo/pulls/{number}", s.route(RouteEditPull, s.editPull))
	mux.HandleFunc("GET /repos/owner/repo/pulls/{number}/files", s.route(RouteListFiles, s.listFiles))
	mux.HandleFunc("GET /repos/owner/repo/pulls/{number}/reviews", s.route(RouteReviews, s.listReviews))
	mux.HandleFunc("GET /repos/owner/repo/git/trees/{sha...}", s.route(RouteTree, s.getTree))
	mux.HandleFunc("GET /repos/owner/repo/commits/{sha}/status", s.route(RouteStatus, s.getStatus))
	mux.HandleFunc("GET /repos/owner/repo/commits/{sha}/check-runs", s.route(RouteCheckRuns, s.listCheckRuns))
	mux.HandleFunc("GET /repos/owner/repo/pulls", s.route(RouteListPulls, s.listPulls))
	mux.HandleFunc("POST /repos/owner/repo/pulls", s.route(RouteNewPull, s.createPull))
	mux.HandleFunc("GET /repos/owner/repo", s.route(RouteGetRepo, func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"full_name": "owner/repo", "default_branch": s.DefaultBranch})
	}))
	mux.HandleFunc("GET /repos/owner/repo/git/ref/heads/{branch...}", s.route(RouteGetRef, s.getRef))
	mux.HandleFunc("POST /repos/owner/repo/git/refs", s.route(RouteNewRef, s.createRef))
	mux.HandleFunc("GET /repos/owner/repo/git/commits/{sha}", s.route(RouteGetCommit, func(w http.ResponseWriter, r *http.Request) {
		sha := r.PathValue("sha")
		writeJSON(w, http.StatusOK, map[string]any{"sha": sha, "tree": map[string]any{"sha": "tree-" + sha}})
	}))
	mux.HandleFunc("POST /repos/owner/repo/git/commits", s.route(RouteNewCommit, s.createCommit))
	mux.HandleFunc("POST /graphql", s.route(RouteGraphQL, s.graphql))
	mux.HandleFunc("GET /repos/owner/repo/installation", s.route(RouteInstallID, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"id": 42})
	}))
	mux.HandleFunc("POST /app/installations/42/access_tokens", s.route(RouteAccessToks, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]any{"token": "installation-token", "expires_at": "2099-01-01T00:00:00Z"})
	}))

	s.Server = httptest.NewServer(mux)
	return s
}

// APIURL is the REST root to hand to the client.
func (s *Server) APIURL() string { return s.URL + "/" }

// Fail makes the next calls to route answer with the given status codes,
// one per call.
func (s *Server) Fail(route string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = append(s.failures[route], statuses...)
}

// Count returns how many times route was called.
func (s *Server) Count(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Requests[route]
}

// Body returns the current description of pull request number.
func (s *Server) Body(number int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pr, ok := s.Pulls[number]; ok {
		return pr.Body
	}
	return ""
}

// Pull returns a copy of pull request number, or nil.
func (s *Server) Pull(number int) *PullRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.Pulls[number]
	if !ok {
		return nil
	}
	cp := *pr
	return &cp
}

// Branch returns the head SHA of branch, or "".
func (s *Server) Branch(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Branches[name]
}

// CreatedCommits returns the commits created so far.
func (s *Server) CreatedCommits() []Commit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Commit(nil), s.Commits...)
}

func (s *Server) route(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.Requests[name]++
		s.Tokens = append(s.Tokens, r.Header.Get("Authorization"))
		var fail int
		if q := s.failures[name]; len(q) > 0 {
			fail, s.failures[name] = q[0], q[1:]
		}
		s.mu.Unlock()

		if fail != 0 {
			writeJSON(w, fail, map[string]string{"message": http.StatusText(fail)})
			return
		}
		h(w, r)
	}
}

func (s *Server) pull(w http.ResponseWriter, r *http.Request) (*PullRequest, bool) {
	n, _ := strconv.Atoi(r.PathValue("number"))
	pr, ok := s.Pulls[n]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
	}
	return pr, ok
}

func pullJSON(pr *PullRequest) map[string]any {
	return map[string]any{
		"number": pr.Number,
		"title":  pr.Title,
		"body":   pr.Body,
		"state":  pr.State,
		"merged": pr.Merged,
		"head":   map[string]any{"ref": pr.HeadRef, "sha": pr.HeadSHA},
	}
}

func (s *Server) getPull(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pr, ok := s.pull(w, r); ok {
		writeJSON(w, http.StatusOK, pullJSON(pr))
	}
}

func (s *Server) editPull(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Body *string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.pull(w, r)
	if !ok {
		return
	}
	if req.Body != nil {
		pr.Body = *req.Body
	}
	writeJSON(w, http.StatusOK, pullJSON(pr))
}

func (s *Server) listFiles(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.pull(w, r)
	if !ok {
		return
	}
	out := []map[string]any{}
	for _, f := range s.page(w, r, len(pr.Files)) {
		out = append(out, map[string]any{"filename": pr.Files[f]})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listReviews(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.pull(w, r)
	if !ok {
		return
	}
	out := []map[string]any{}
	for _, i := range s.page(w, r, len(pr.Reviews)) {
		rv := pr.Reviews[i]
		out = append(out, map[string]any{
			"id":    i + 1,
			"state": rv.State,
			"user":  map[string]any{"login": rv.User},
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getTree(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	files, ok := s.Tree[r.PathValue("sha")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}
	entries := []map[string]any{}
	for _, f := range files {
		entries = append(entries, map[string]any{"path": f, "type": "blob", "mode": "100644"})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sha":       "tree-sha",
		"tree":      entries,
		"truncated": s.TreeTruncated,
	})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	states := s.Statuses[r.PathValue("sha")]
	combined := "pending"
	statuses := []map[string]any{}
	if len(states) > 0 {
		combined = "success"
	}
	for _, st := range states {
		statuses = append(statuses, map[string]any{"state": st})
		switch st {
		case "failure", "error":
			combined = "failure"
		case "pending":
			if combined == "success" {
				combined = "pending"
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":       combined,
		"total_count": len(states),
		"statuses":    statuses,
	})
}

func (s *Server) listCheckRuns(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := s.CheckRuns[r.PathValue("sha")]
	out := []map[string]any{}
	for _, i := range s.page(w, r, len(runs)) {
		run := map[string]any{"id": i + 1, "status": runs[i].Status}
		if runs[i].Conclusion != "" {
			run["conclusion"] = runs[i].Conclusion
		}
		out = append(out, run)
	}
	writeJSON(w, http.StatusOK, map[string]any{"total_count": len(runs), "check_runs": out})
}

func (s *Server) getRef(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	branch := r.PathValue("branch")
	sha, ok := s.Branches[branch]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ref":    "refs/heads/" + branch,
		"object": map[string]any{"sha": sha, "type": "commit"},
	})
}

func (s *Server) createRef(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}
	branch, ok := strings.CutPrefix(req.Ref, "refs/heads/")
	if !ok {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "Reference name must start with refs/heads/"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.Branches[branch]; exists {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "Reference already exists"})
		return
	}
	s.Branches[branch] = req.SHA
	writeJSON(w, http.StatusCreated, map[string]any{
		"ref":    req.Ref,
		"object": map[string]any{"sha": req.SHA, "type": "commit"},
	})
}

func (s *Server) createCommit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string   `json:"message"`
		Tree    string   `json:"tree"`
		Parents []string `json:"parents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c := Commit{
		SHA:     fmt.Sprintf("commit-%d", len(s.Commits)+1),
		Message: req.Message,
		Tree:    req.Tree,
		Parents: req.Parents,
	}
	s.Commits = append(s.Commits, c)
	writeJSON(w, http.StatusCreated, map[string]any{"sha": c.SHA, "message": c.Message})
}

// listPulls filters on state and an owner:branch head.
func (s *Server) listPulls(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := r.URL.Query().Get("state")
	_, head, _ := strings.Cut(r.URL.Query().Get("head"), ":")
	out := []map[string]any{}
	for _, pr := range s.Pulls {
		if state != "" && state != "all" && pr.State != state {
			continue
		}
		if head != "" && pr.HeadRef != head {
			continue
		}
		out = append(out, pullJSON(pr))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createPull(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
		Head  string `json:"head"`
		Base  string `json:"base"`
		Body  string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sha, ok := s.Branches[req.Head]
	if !ok {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "Validation Failed: head"})
		return
	}
	if _, ok := s.Branches[req.Base]; !ok {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "Validation Failed: base"})
		return
	}
	number := 1
	for n := range s.Pulls {
		number = max(number, n+1)
	}
	pr := &PullRequest{
		Number:  number,
		Title:   req.Title,
		Body:    req.Body,
		State:   "open",
		HeadRef: req.Head,
		HeadSHA: sha,
		BaseRef: req.Base,
	}
	s.Pulls[number] = pr
	out := pullJSON(pr)
	out["html_url"] = fmt.Sprintf("%s/owner/repo/pull/%d", s.URL, number)
	writeJSON(w, http.StatusCreated, out)
}

// graphql answers the reviewThreads query for any pull request.
func (s *Server) graphql(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Variables struct {
			Number int     `json:"number"`
			Cursor *string `json:"cursor"`
		} `json:"variables"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.Pulls[req.Variables.Number]
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{
			"data":   nil,
			"errors": []map[string]string{{"message": "Could not resolve to a PullRequest"}},
		})
		return
	}

	start := 0
	if req.Variables.Cursor != nil {
		start, _ = strconv.Atoi(*req.Variables.Cursor)
	}
	end := min(start+s.PageSize, len(pr.Threads))
	nodes := []map[string]any{}
	for _, resolved := range pr.Threads[start:end] {
		nodes = append(nodes, map[string]any{"isResolved": resolved})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{
			"repository": map[string]any{
				"pullRequest": map[string]any{
					"reviewThreads": map[string]any{
						"nodes": nodes,
						"pageInfo": map[string]any{
							"hasNextPage": end < len(pr.Threads),
							"endCursor":   strconv.Itoa(end),
						},
					},
				},
			},
		},
	})
}

// page returns the indexes of the requested page and sets the Link header
// go-github uses to find the next one.
func (s *Server) page(w http.ResponseWriter, r *http.Request, total int) []int {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	start := min((page-1)*s.PageSize, total)
	end := min(start+s.PageSize, total)
	if end < total {
		next := *r.URL
		q := next.Query()
		q.Set("page", strconv.Itoa(page+1))
		next.RawQuery = q.Encode()
		w.Header().Set("Link", fmt.Sprintf(`<%s%s>; rel="next"`, s.URL, next.RequestURI()))
	}
	idx := make([]int, 0, end-start)
	for i := start; i < end; i++ {
		idx = append(idx, i)
	}
	return idx
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
