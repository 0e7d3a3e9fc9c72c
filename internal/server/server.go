// Package server exposes the daemon's HTTP surface: the GitHub webhook
// intake that feeds the engine's queue, a websocket stream of activity
// events, and a health endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	gh "github.com/google/go-github/v68/github"

	"github.com/kitamura-tetsuo/auto-coder/internal/selector"
	"github.com/kitamura-tetsuo/auto-coder/internal/store"
)

// Enqueuer accepts webhook-derived candidates.
type Enqueuer interface {
	Enqueue(c selector.Candidate, delay time.Duration)
}

// ActivityReader lists recorded candidate outcomes.
type ActivityReader interface {
	ListActivity(repo string, limit int) ([]store.ActivityEntry, error)
}

// Config wires a Server.
type Config struct {
	Addr string

	// Secret validates webhook signatures. Empty disables validation,
	// which is only sane behind a trusted proxy.
	Secret []byte

	// ReadyDelay is how long enqueued candidates wait before the engine
	// may process them, absorbing GitHub's read-after-write lag.
	ReadyDelay time.Duration

	// Repo is the primary repository, used for the activity endpoint.
	Repo string

	// Allowed filters webhook events by repository full name.
	Allowed func(fullName string) bool

	Queue    Enqueuer
	Activity ActivityReader
	Hub      *Hub
	Logger   *slog.Logger
}

// Server is the daemon's HTTP front.
type Server struct {
	cfg  Config
	http *http.Server
}

// New creates a Server. Start must be called to begin listening.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Allowed == nil {
		cfg.Allowed = func(string) bool { return true }
	}

	s := &Server{cfg: cfg}

	// Method-restricted routes; Go 1.21's ServeMux lacks "METHOD /path"
	// patterns, so the method check is explicit.
	withMethod := func(method string, h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Method != method {
				http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
				return
			}
			h(w, r)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", withMethod(http.MethodPost, s.handleWebhook))
	mux.HandleFunc("/healthz", withMethod(http.MethodGet, s.handleHealth))
	mux.HandleFunc("/api/activity", withMethod(http.MethodGet, s.handleActivity))
	if cfg.Hub != nil {
		mux.HandleFunc("/api/ws", withMethod(http.MethodGet, cfg.Hub.ServeWS))
	}

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the server's HTTP handler, for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.cfg.Logger.Info("http server listening", "addr", s.cfg.Addr)
	if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and closes the websocket hub.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cfg.Hub != nil {
		s.cfg.Hub.Close()
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Activity == nil {
		http.Error(w, "activity log not configured", http.StatusNotFound)
		return
	}
	entries, err := s.cfg.Activity.ListActivity(s.cfg.Repo, 100)
	if err != nil {
		s.cfg.Logger.Error("listing activity failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// handleWebhook validates, filters, and enqueues GitHub events. The
// response is always fast; actual processing happens when the engine
// drains the queue after the ready delay.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := gh.ValidatePayload(r, s.cfg.Secret)
	if err != nil {
		s.cfg.Logger.Warn("rejecting webhook", "error", err)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	event, err := gh.ParseWebHook(gh.WebHookType(r), payload)
	if err != nil {
		http.Error(w, "unparseable payload", http.StatusBadRequest)
		return
	}

	switch ev := event.(type) {
	case *gh.PingEvent:
		w.WriteHeader(http.StatusOK)
		return
	case *gh.PullRequestEvent:
		s.acceptPR(w, ev)
	case *gh.IssuesEvent:
		s.acceptIssue(w, ev)
	default:
		// Anything else is noise from a broad webhook subscription.
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) acceptPR(w http.ResponseWriter, ev *gh.PullRequestEvent) {
	repo := ev.GetRepo().GetFullName()
	if !s.cfg.Allowed(repo) {
		s.cfg.Logger.Warn("ignoring webhook for disallowed repo", "repo", repo)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch ev.GetAction() {
	case "opened", "reopened", "synchronize", "ready_for_review":
	default:
		w.WriteHeader(http.StatusAccepted)
		return
	}

	pr := ev.GetPullRequest()
	c := selector.Candidate{
		Kind:    selector.KindPR,
		Number:  pr.GetNumber(),
		Title:   pr.GetTitle(),
		Body:    pr.GetBody(),
		Author:  pr.GetUser().GetLogin(),
		NodeID:  pr.GetNodeID(),
		HeadSHA: pr.GetHead().GetSHA(),
		HeadRef: pr.GetHead().GetRef(),
		BaseRef: pr.GetBase().GetRef(),
		Draft:   pr.GetDraft(),
	}
	s.enqueue(w, c, repo, ev.GetAction())
}

func (s *Server) acceptIssue(w http.ResponseWriter, ev *gh.IssuesEvent) {
	repo := ev.GetRepo().GetFullName()
	if !s.cfg.Allowed(repo) {
		s.cfg.Logger.Warn("ignoring webhook for disallowed repo", "repo", repo)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch ev.GetAction() {
	case "opened", "reopened":
	default:
		w.WriteHeader(http.StatusAccepted)
		return
	}

	issue := ev.GetIssue()
	if issue.IsPullRequest() {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	c := selector.Candidate{
		Kind:   selector.KindIssue,
		Number: issue.GetNumber(),
		Title:  issue.GetTitle(),
		Body:   issue.GetBody(),
		Author: issue.GetUser().GetLogin(),
	}
	s.enqueue(w, c, repo, ev.GetAction())
}

func (s *Server) enqueue(w http.ResponseWriter, c selector.Candidate, repo, action string) {
	s.cfg.Queue.Enqueue(c, s.cfg.ReadyDelay)
	s.cfg.Logger.Info("enqueued webhook candidate",
		"repo", repo, "kind", c.Kind, "number", c.Number, "action", action)

	if s.cfg.Hub != nil {
		s.cfg.Hub.Publish(map[string]any{
			"type":   "enqueued",
			"repo":   repo,
			"kind":   c.Kind,
			"number": c.Number,
			"action": action,
		})
	}
	w.WriteHeader(http.StatusAccepted)
}
