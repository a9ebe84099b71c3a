// Package webhook starts and stops tracking pull requests from GitHub
// pull_request events.
package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/chainguard-dev/clog"
	gh "github.com/google/go-github/v66/github"

	"github.com/cexll/tracksync/internal/changerequest"
	"github.com/cexll/tracksync/internal/checklist"
	"github.com/cexll/tracksync/internal/tracking"
)

// maxPayloadBytes bounds the request body; GitHub caps payloads at 25 MB.
const maxPayloadBytes = 25 << 20

// issueKeyPattern matches Jira-style keys such as PROJ-123.
var issueKeyPattern = regexp.MustCompile(`\b[A-Z][A-Z0-9]+-[0-9]+\b`)

// Handler handles GitHub webhook events
type Handler struct {
	secret  string
	store   *tracking.Store
	deduper *deliveryDeduper
}

// NewHandler creates a new webhook handler
func NewHandler(secret string, store *tracking.Store) *Handler {
	return &Handler{
		secret:  secret,
		store:   store,
		deduper: newDeliveryDeduper(12 * time.Hour),
	}
}

// Outcome is the JSON response body.
type Outcome struct {
	Action        string `json:"action"`
	ChangeRequest string `json:"change_request,omitempty"`
	IssueKey      string `json:"issue_key,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Handle verifies and dispatches one webhook delivery.
func (h *Handler) Handle(w http.ResponseWriter, r *http.Request) {
	log := clog.FromContext(r.Context()).With("delivery", gh.DeliveryID(r), "event", gh.WebHookType(r))

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		log.Warnf("Error reading payload: %v", err)
		http.Error(w, "Error reading payload", http.StatusBadRequest)
		return
	}

	if err := VerifySignature(payload, r.Header.Get(gh.SHA256SignatureHeader), h.secret); err != nil {
		log.Warnf("Rejected delivery: %v", err)
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	delivery := gh.DeliveryID(r)
	if h.deduper.seen(delivery) {
		writeOutcome(w, http.StatusOK, Outcome{Action: "ignored", Reason: "duplicate delivery"})
		return
	}

	// only deliveries that parse are recorded, so a redelivery of a
	// rejected one is handled again
	event, err := gh.ParseWebHook(gh.WebHookType(r), payload)
	if err != nil {
		log.Warnf("Unparseable event: %v", err)
		http.Error(w, "Unsupported event", http.StatusBadRequest)
		return
	}
	if !h.deduper.markIfNew(delivery) {
		writeOutcome(w, http.StatusOK, Outcome{Action: "ignored", Reason: "duplicate delivery"})
		return
	}

	switch e := event.(type) {
	case *gh.PingEvent:
		writeOutcome(w, http.StatusOK, Outcome{Action: "pong"})
	case *gh.PullRequestEvent:
		out := h.handlePullRequest(e)
		log.With("change_request", out.ChangeRequest).Infof("pull_request %s: %s %s", e.GetAction(), out.Action, out.Reason)
		writeOutcome(w, http.StatusOK, out)
	default:
		writeOutcome(w, http.StatusAccepted, Outcome{Action: "ignored", Reason: "unhandled event type"})
	}
}

func (h *Handler) handlePullRequest(e *gh.PullRequestEvent) Outcome {
	ref := changerequest.Ref{Repo: e.GetRepo().GetFullName(), Number: e.GetNumber()}
	if ref.Number == 0 {
		ref.Number = e.GetPullRequest().GetNumber()
	}
	if err := ref.Validate(); err != nil {
		return Outcome{Action: "ignored", Reason: err.Error()}
	}
	out := Outcome{ChangeRequest: ref.Key()}

	pr := e.GetPullRequest()
	switch e.GetAction() {
	case "closed":
		if h.store.Remove(ref) {
			out.Action = "untracked"
		} else {
			out.Action = "ignored"
			out.Reason = tracking.ErrNotTracked.Error()
		}
		return out

	case "opened", "reopened", "edited", "ready_for_review":
		if pr.GetState() == "closed" {
			out.Action, out.Reason = "ignored", "pull request is closed"
			return out
		}
		if !checklist.HasSection(pr.GetBody()) {
			out.Action, out.Reason = "ignored", "no progress checklist"
			return out
		}
		key := IssueKey(pr.GetTitle(), pr.GetHead().GetRef())
		if key == "" {
			out.Action, out.Reason = "ignored", "no issue key in title or branch"
			return out
		}
		out.IssueKey = key
		if _, added := h.store.Add(ref, key); added {
			out.Action = "tracked"
		} else {
			out.Action, out.Reason = "ignored", "already tracked"
		}
		return out

	default:
		out.Action, out.Reason = "ignored", "unhandled action "+e.GetAction()
		return out
	}
}

// IssueKey returns the first issue key found in the given texts, in order.
func IssueKey(texts ...string) string {
	for _, t := range texts {
		if k := issueKeyPattern.FindString(t); k != "" {
			return k
		}
	}
	return ""
}

func writeOutcome(w http.ResponseWriter, status int, out Outcome) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(out)
}
