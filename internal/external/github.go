package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"guildpulse/internal/alerting"
	"guildpulse/internal/config"
)

const githubResource = "github"

type Commit struct {
	SHA     string
	Message string
	Author  string
	URL     string
	Date    time.Time
}

type githubCommit struct {
	SHA     string `json:"sha"`
	HTMLURL string `json:"html_url"`
	Commit  struct {
		Message string `json:"message"`
		Author  struct {
			Name string    `json:"name"`
			Date time.Time `json:"date"`
		} `json:"author"`
	} `json:"commit"`
}

type GitHub struct {
	client  *Client
	baseURL string
	repo    string
}

// NewHTTPClient returns a token-authenticated client when token is set.
func NewHTTPClient(ctx context.Context, token string) *http.Client {
	if token == "" {
		return &http.Client{Timeout: 15 * time.Second}
	}
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	httpClient.Timeout = 15 * time.Second
	return httpClient
}

func NewGitHub(client *Client, cfg config.GitHubConfig) *GitHub {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.github.com"
	}
	return &GitHub{client: client, baseURL: base, repo: cfg.Repo}
}

func (g *GitHub) Repo() string { return g.repo }

// Commits lists the newest commits, most recent first.
func (g *GitHub) Commits(ctx context.Context) ([]Commit, error) {
	if g.repo == "" {
		return nil, errors.New("github repo not configured")
	}
	url := fmt.Sprintf("%s/repos/%s/commits?per_page=10", g.baseURL, g.repo)
	body, err := g.client.Get(ctx, githubResource, url)
	if err != nil {
		return nil, err
	}

	var raw []githubCommit
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode commits: %w", err)
	}
	commits := make([]Commit, 0, len(raw))
	for _, c := range raw {
		message, _, _ := strings.Cut(c.Commit.Message, "\n")
		commits = append(commits, Commit{
			SHA:     c.SHA,
			Message: message,
			Author:  c.Commit.Author.Name,
			URL:     c.HTMLURL,
			Date:    c.Commit.Author.Date,
		})
	}
	return commits, nil
}

type CommitSource interface {
	Commits(ctx context.Context) ([]Commit, error)
}

// CommitWatcher raises one low priority alert per batch of new commits. The
// first poll only records a baseline.
type CommitWatcher struct {
	source  CommitSource
	sink    *alerting.Sink
	guildID string
	repo    string
	logger  *zap.Logger

	mu      sync.Mutex
	lastSHA string
}

func NewCommitWatcher(source CommitSource, sink *alerting.Sink, guildID, repo string, logger *zap.Logger) *CommitWatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommitWatcher{source: source, sink: sink, guildID: guildID, repo: repo, logger: logger}
}

func (w *CommitWatcher) Poll(ctx context.Context) (int, error) {
	commits, err := w.source.Commits(ctx)
	if err != nil {
		var limited *RateLimitedError
		if errors.As(err, &limited) {
			w.logger.Info("commit poll skipped", zap.String("repo", w.repo), zap.Duration("retry_after", limited.RetryAfter))
			return 0, nil
		}
		return 0, err
	}
	if len(commits) == 0 {
		return 0, nil
	}

	w.mu.Lock()
	last := w.lastSHA
	w.lastSHA = commits[0].SHA
	w.mu.Unlock()

	if last == "" {
		return 0, nil
	}
	var fresh []Commit
	for _, c := range commits {
		if c.SHA == last {
			break
		}
		fresh = append(fresh, c)
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	fields := make([]alerting.Field, 0, len(fresh))
	for i, c := range fresh {
		if i == 5 {
			break
		}
		sha := c.SHA
		if len(sha) > 7 {
			sha = sha[:7]
		}
		fields = append(fields, alerting.Field{Name: sha + " by " + c.Author, Value: c.Message})
	}
	alert := alerting.Alert{
		Type:     "github_commits",
		Priority: alerting.PriorityLow,
		Title:    fmt.Sprintf("%d new commit(s) in %s", len(fresh), w.repo),
		Content:  fresh[0].URL,
		Fields:   fields,
	}
	if err := w.sink.Send(ctx, w.guildID, alert); err != nil {
		return len(fresh), err
	}
	return len(fresh), nil
}
