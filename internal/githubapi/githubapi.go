package githubapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	gh "github.com/google/go-github/v68/github"

	"github.com/bradleyfalzon/ghinstallation/v2"
	jwt "github.com/golang-jwt/jwt/v4"

	"github.com/kitamura-tetsuo/auto-coder/internal/retry"
)

// Issue represents a GitHub issue (never a pull request).
type Issue struct {
	Number  int
	Title   string
	Body    string
	State   string
	Author  string
	Labels  []string
	HTMLURL string
}

// PR represents a GitHub pull request.
type PR struct {
	Number  int
	NodeID  string
	Title   string
	Body    string
	State   string
	Draft   bool
	Author  string
	HeadSHA string
	HeadRef string
	BaseRef string
	Labels  []string
	HTMLURL string

	// Mergeable is nil while GitHub is still computing mergeability.
	Mergeable *bool
}

// CheckRun represents one CI check run attached to a commit. The same check
// name may appear multiple times across re-runs.
type CheckRun struct {
	ID          int64
	Name        string
	Status      string
	Conclusion  string
	StartedAt   time.Time
	CompletedAt time.Time
	HTMLURL     string
}

// Client is a typed GitHub API client wrapping go-github.
type Client struct {
	gh           *gh.Client
	retryBackoff []time.Duration
}

// Option configures a Client.
type Option func(*clientConfig)

// AppCredentials holds GitHub App authentication parameters.
type AppCredentials struct {
	ClientID       string
	InstallationID int64
	PrivateKeyPath string
}

type clientConfig struct {
	baseURL      string
	retryBackoff []time.Duration
	app          *AppCredentials
}

// readKeyFile is a variable for testing; defaults to os.ReadFile.
var readKeyFile = os.ReadFile

// WithBaseURL overrides the GitHub API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(c *clientConfig) { c.baseURL = url }
}

// WithRetryBackoff overrides the default retry backoff delays.
func WithRetryBackoff(delays ...time.Duration) Option {
	return func(c *clientConfig) { c.retryBackoff = delays }
}

// WithAppAuth configures GitHub App authentication using a Client ID,
// installation ID, and private key file. When set, token is ignored.
func WithAppAuth(app AppCredentials) Option {
	return func(c *clientConfig) { c.app = &app }
}

// New creates a new GitHub API client. When WithAppAuth is provided, the
// client authenticates as a GitHub App installation (token is ignored).
// Otherwise it authenticates with the given personal access token.
func New(token string, opts ...Option) (*Client, error) {
	cfg := &clientConfig{}
	for _, o := range opts {
		o(cfg)
	}

	var client *gh.Client

	if cfg.app != nil {
		httpClient, err := newAppHTTPClient(cfg.app, cfg.baseURL)
		if err != nil {
			return nil, fmt.Errorf("configuring GitHub App auth: %w", err)
		}
		client = gh.NewClient(httpClient)
	} else {
		client = gh.NewClient(nil).WithAuthToken(token)
	}
	if cfg.baseURL != "" {
		client, _ = client.WithEnterpriseURLs(cfg.baseURL, cfg.baseURL)
	}

	return &Client{gh: client, retryBackoff: cfg.retryBackoff}, nil
}

// newAppHTTPClient creates an http.Client with a GitHub App installation
// transport that uses the Client ID (string) as the JWT issuer.
func newAppHTTPClient(app *AppCredentials, baseURL string) (*http.Client, error) {
	keyPath := expandHome(app.PrivateKeyPath)
	keyData, err := readKeyFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key %s: %w", app.PrivateKeyPath, err)
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM(keyData)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	signer := &clientIDSigner{
		clientID: app.ClientID,
		method:   jwt.SigningMethodRS256,
		key:      key,
	}

	atr, err := ghinstallation.NewAppsTransportWithOptions(
		http.DefaultTransport, 0, // appID unused — the signer overrides the issuer
		ghinstallation.WithSigner(signer),
	)
	if err != nil {
		return nil, fmt.Errorf("creating apps transport: %w", err)
	}
	if baseURL != "" {
		atr.BaseURL = baseURL
	}

	itr := ghinstallation.NewFromAppsTransport(atr, app.InstallationID)
	if baseURL != "" {
		itr.BaseURL = baseURL
	}

	return &http.Client{Transport: itr}, nil
}

// clientIDSigner implements ghinstallation.Signer using a string Client ID
// as the JWT issuer instead of a numeric App ID.
type clientIDSigner struct {
	clientID string
	method   jwt.SigningMethod
	key      any
}

func (s *clientIDSigner) Sign(claims jwt.Claims) (string, error) {
	if rc, ok := claims.(*jwt.RegisteredClaims); ok {
		rc.Issuer = s.clientID
	}
	return jwt.NewWithClaims(s.method, claims).SignedString(s.key)
}

// ListOpenIssues returns all open issues in the repository. Pull requests
// (which GitHub's issues API also returns) are excluded.
func (c *Client) ListOpenIssues(ctx context.Context, owner, repo string) ([]Issue, error) {
	return retry.DoVal(ctx, func() ([]Issue, error) {
		var all []Issue
		opts := &gh.IssueListByRepoOptions{
			State:       "open",
			ListOptions: gh.ListOptions{PerPage: 100},
		}
		for {
			issues, resp, err := c.gh.Issues.ListByRepo(ctx, owner, repo, opts)
			if err != nil {
				return nil, classifyErr(fmt.Errorf("listing open issues: %w", err))
			}
			for _, is := range issues {
				if is.IsPullRequest() {
					continue
				}
				all = append(all, issueFromGH(is))
			}
			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}
		return all, nil
	}, c.retryOpts()...)
}

// ListOpenPRs returns all open pull requests in the repository.
func (c *Client) ListOpenPRs(ctx context.Context, owner, repo string) ([]PR, error) {
	return retry.DoVal(ctx, func() ([]PR, error) {
		var all []PR
		opts := &gh.PullRequestListOptions{
			State:       "open",
			ListOptions: gh.ListOptions{PerPage: 100},
		}
		for {
			prs, resp, err := c.gh.PullRequests.List(ctx, owner, repo, opts)
			if err != nil {
				return nil, classifyErr(fmt.Errorf("listing open PRs: %w", err))
			}
			for _, pr := range prs {
				all = append(all, prFromGH(pr))
			}
			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}
		return all, nil
	}, c.retryOpts()...)
}

// FetchIssue fetches a single issue by number.
func (c *Client) FetchIssue(ctx context.Context, owner, repo string, number int) (Issue, error) {
	return retry.DoVal(ctx, func() (Issue, error) {
		is, _, err := c.gh.Issues.Get(ctx, owner, repo, number)
		if err != nil {
			return Issue{}, classifyErr(fmt.Errorf("fetching issue: %w", err))
		}
		return issueFromGH(is), nil
	}, c.retryOpts()...)
}

// FetchPR fetches a single pull request by number. Unlike the list API,
// this returns the full body and the computed mergeable state.
func (c *Client) FetchPR(ctx context.Context, owner, repo string, number int) (PR, error) {
	return retry.DoVal(ctx, func() (PR, error) {
		pr, _, err := c.gh.PullRequests.Get(ctx, owner, repo, number)
		if err != nil {
			return PR{}, classifyErr(fmt.Errorf("fetching pull request: %w", err))
		}
		return prFromGH(pr), nil
	}, c.retryOpts()...)
}

// FetchCheckRuns returns all check runs for the given git ref (SHA, branch,
// or tag), including historical entries retained across re-runs.
func (c *Client) FetchCheckRuns(ctx context.Context, owner, repo, ref string) ([]CheckRun, error) {
	return retry.DoVal(ctx, func() ([]CheckRun, error) {
		var all []CheckRun
		opts := &gh.ListCheckRunsOptions{
			ListOptions: gh.ListOptions{PerPage: 100},
		}
		for {
			result, resp, err := c.gh.Checks.ListCheckRunsForRef(ctx, owner, repo, ref, opts)
			if err != nil {
				return nil, classifyErr(fmt.Errorf("fetching check runs: %w", err))
			}
			for _, cr := range result.CheckRuns {
				all = append(all, checkRunFromGH(cr))
			}
			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}
		return all, nil
	}, c.retryOpts()...)
}

// HasLabel reports whether the issue or PR carries the given label.
func (c *Client) HasLabel(ctx context.Context, owner, repo string, number int, label string) (bool, error) {
	return retry.DoVal(ctx, func() (bool, error) {
		opts := &gh.ListOptions{PerPage: 100}
		for {
			labels, resp, err := c.gh.Issues.ListLabelsByIssue(ctx, owner, repo, number, opts)
			if err != nil {
				return false, classifyErr(fmt.Errorf("listing labels: %w", err))
			}
			for _, l := range labels {
				if l.GetName() == label {
					return true, nil
				}
			}
			if resp.NextPage == 0 {
				return false, nil
			}
			opts.Page = resp.NextPage
		}
	}, c.retryOpts()...)
}

// AddLabel adds a label to the issue or PR.
func (c *Client) AddLabel(ctx context.Context, owner, repo string, number int, label string) error {
	return retry.Do(ctx, func() error {
		_, _, err := c.gh.Issues.AddLabelsToIssue(ctx, owner, repo, number, []string{label})
		if err != nil {
			return classifyErr(fmt.Errorf("adding label %q: %w", label, err))
		}
		return nil
	}, c.retryOpts()...)
}

// RemoveLabel removes a label from the issue or PR. A 404 (label already
// gone) is not an error.
func (c *Client) RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error {
	return retry.Do(ctx, func() error {
		_, err := c.gh.Issues.RemoveLabelForIssue(ctx, owner, repo, number, label)
		if err != nil {
			var ghErr *gh.ErrorResponse
			if errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusNotFound {
				return nil
			}
			return classifyErr(fmt.Errorf("removing label %q: %w", label, err))
		}
		return nil
	}, c.retryOpts()...)
}

// MergePR merges the pull request using the given method (squash, merge, or
// rebase).
func (c *Client) MergePR(ctx context.Context, owner, repo string, number int, method string) error {
	return retry.Do(ctx, func() error {
		_, _, err := c.gh.PullRequests.Merge(ctx, owner, repo, number, "", &gh.PullRequestOptions{
			MergeMethod: method,
		})
		if err != nil {
			return classifyErr(fmt.Errorf("merging PR #%d: %w", number, err))
		}
		return nil
	}, c.retryOpts()...)
}

// UpdatePRBody replaces the pull request description.
func (c *Client) UpdatePRBody(ctx context.Context, owner, repo string, number int, body string) error {
	return retry.Do(ctx, func() error {
		_, _, err := c.gh.PullRequests.Edit(ctx, owner, repo, number, &gh.PullRequest{
			Body: gh.Ptr(body),
		})
		if err != nil {
			return classifyErr(fmt.Errorf("updating PR body: %w", err))
		}
		return nil
	}, c.retryOpts()...)
}

// CreatePR creates a new pull request and returns it.
func (c *Client) CreatePR(ctx context.Context, owner, repo, head, base, title, body string) (PR, error) {
	return retry.DoVal(ctx, func() (PR, error) {
		pr, _, err := c.gh.PullRequests.Create(ctx, owner, repo, &gh.NewPullRequest{
			Title: gh.Ptr(title),
			Head:  gh.Ptr(head),
			Base:  gh.Ptr(base),
			Body:  gh.Ptr(body),
		})
		if err != nil {
			return PR{}, classifyErr(fmt.Errorf("creating pull request: %w", err))
		}
		return prFromGH(pr), nil
	}, c.retryOpts()...)
}

// FindOpenPR finds an existing open PR for the given head and base
// branches. Returns nil if no matching open PR exists.
func (c *Client) FindOpenPR(ctx context.Context, owner, repo, head, base string) (*PR, error) {
	return retry.DoVal(ctx, func() (*PR, error) {
		prs, _, err := c.gh.PullRequests.List(ctx, owner, repo, &gh.PullRequestListOptions{
			Head:  owner + ":" + head,
			Base:  base,
			State: "open",
		})
		if err != nil {
			return nil, classifyErr(fmt.Errorf("listing PRs: %w", err))
		}
		if len(prs) == 0 {
			return nil, nil
		}
		pr := prFromGH(prs[0])
		return &pr, nil
	}, c.retryOpts()...)
}

// MarkReadyForReview converts a draft pull request to ready-for-review.
// The REST API has no endpoint for this, so it goes through the GraphQL
// markPullRequestReadyForReview mutation using the PR node ID.
func (c *Client) MarkReadyForReview(ctx context.Context, nodeID string) error {
	return retry.Do(ctx, func() error {
		payload := map[string]any{
			"query": `mutation($id: ID!) {
				markPullRequestReadyForReview(input: {pullRequestId: $id}) {
					pullRequest { isDraft }
				}
			}`,
			"variables": map[string]string{"id": nodeID},
		}
		req, err := c.gh.NewRequest("POST", "graphql", payload)
		if err != nil {
			return classifyErr(fmt.Errorf("building graphql request: %w", err))
		}

		var resp struct {
			Errors []struct {
				Message string `json:"message"`
			} `json:"errors"`
		}
		if _, err := c.gh.Do(ctx, req, &resp); err != nil {
			return classifyErr(fmt.Errorf("marking PR ready for review: %w", err))
		}
		if len(resp.Errors) > 0 {
			return retry.Permanent(fmt.Errorf("marking PR ready for review: %s", resp.Errors[0].Message))
		}
		return nil
	}, c.retryOpts()...)
}

func issueFromGH(is *gh.Issue) Issue {
	out := Issue{
		Number:  is.GetNumber(),
		Title:   is.GetTitle(),
		Body:    is.GetBody(),
		State:   is.GetState(),
		Author:  is.GetUser().GetLogin(),
		HTMLURL: is.GetHTMLURL(),
	}
	for _, l := range is.Labels {
		out.Labels = append(out.Labels, l.GetName())
	}
	return out
}

func prFromGH(pr *gh.PullRequest) PR {
	out := PR{
		Number:    pr.GetNumber(),
		NodeID:    pr.GetNodeID(),
		Title:     pr.GetTitle(),
		Body:      pr.GetBody(),
		State:     pr.GetState(),
		Draft:     pr.GetDraft(),
		Author:    pr.GetUser().GetLogin(),
		Mergeable: pr.Mergeable,
		HTMLURL:   pr.GetHTMLURL(),
	}
	if pr.Head != nil {
		out.HeadSHA = pr.Head.GetSHA()
		out.HeadRef = pr.Head.GetRef()
	}
	if pr.Base != nil {
		out.BaseRef = pr.Base.GetRef()
	}
	for _, l := range pr.Labels {
		out.Labels = append(out.Labels, l.GetName())
	}
	return out
}

func checkRunFromGH(cr *gh.CheckRun) CheckRun {
	out := CheckRun{
		ID:         cr.GetID(),
		Name:       cr.GetName(),
		Status:     cr.GetStatus(),
		Conclusion: cr.GetConclusion(),
		HTMLURL:    cr.GetHTMLURL(),
	}
	if cr.StartedAt != nil {
		out.StartedAt = cr.StartedAt.Time
	}
	if cr.CompletedAt != nil {
		out.CompletedAt = cr.CompletedAt.Time
	}
	return out
}

// retryOpts returns the retry options for this client.
func (c *Client) retryOpts() []retry.Option {
	if len(c.retryBackoff) > 0 {
		return []retry.Option{retry.WithBackoff(c.retryBackoff...)}
	}
	return nil
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// classifyErr wraps a go-github error as permanent if it's a client error
// (4xx), and leaves it retryable for server errors (5xx) and network errors.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	var ghErr *gh.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		if ghErr.Response.StatusCode >= 400 && ghErr.Response.StatusCode < 500 {
			return retry.Permanent(err)
		}
	}
	return err
}
