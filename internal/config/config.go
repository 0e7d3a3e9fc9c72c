package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "24h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	// Repo is the repository to operate on, as "owner/name".
	Repo string `yaml:"repo"`

	// AllowedRepos lists glob patterns (doublestar syntax, e.g. "myorg/*")
	// that inbound webhook events must match. Empty means only Repo.
	AllowedRepos []string `yaml:"allowed_repos"`

	MainBranch  string `yaml:"main_branch"`
	MergeMethod string `yaml:"merge_method"`
	JulesMode   bool   `yaml:"jules_mode"`
	DryRun      bool   `yaml:"dry_run"`

	Labels       LabelsConfig     `yaml:"labels"`
	Dependabot   DependabotConfig `yaml:"dependabot"`
	Backends     BackendsConfig   `yaml:"backends"`
	GitHub       GitHubConfig     `yaml:"github"`
	Webhook      WebhookConfig    `yaml:"webhook"`
	PollInterval Duration         `yaml:"poll_interval"`

	StorePath string `yaml:"store_path"`
	LogFile   string `yaml:"log_file"`
	LogLevel  string `yaml:"log_level"`
}

type LabelsConfig struct {
	// Enabled defaults to true; set false to disable label locking entirely.
	Enabled    *bool  `yaml:"enabled"`
	InProgress string `yaml:"in_progress"`
}

type DependabotConfig struct {
	// Interval gates how often Dependabot PRs are picked up. Default 24h.
	Interval Duration `yaml:"interval"`
}

type BackendsConfig struct {
	Default string            `yaml:"default"`
	Order   []string          `yaml:"order"`
	Models  map[string]string `yaml:"models"`
}

type GitHubConfig struct {
	// TokenEnv names the environment variable holding a personal access
	// token. Ignored when App auth is configured.
	TokenEnv string     `yaml:"token_env"`
	BaseURL  string     `yaml:"base_url"`
	App      *AppConfig `yaml:"app"`
}

type AppConfig struct {
	ClientID       string `yaml:"client_id"`
	InstallationID int64  `yaml:"installation_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

type WebhookConfig struct {
	Addr      string `yaml:"addr"`
	SecretEnv string `yaml:"secret_env"`

	// ReadyDelay is how long a webhook-enqueued candidate waits before it
	// is considered ready, tolerating GitHub's read-after-write lag.
	ReadyDelay Duration `yaml:"ready_delay"`
}

// Defaults applied after parsing.
const (
	DefaultInProgressLabel    = "auto-coder: in progress"
	DefaultMainBranch         = "main"
	DefaultMergeMethod        = "squash"
	DefaultWebhookAddr        = "127.0.0.1:7750"
	DefaultLogLevel           = "info"
	DefaultTokenEnv           = "GITHUB_TOKEN"
	DefaultSecretEnv          = "AUTO_CODER_WEBHOOK_SECRET"
	defaultDependabotInterval = 24 * time.Hour
	defaultReadyDelay         = 2 * time.Minute
	defaultPollInterval       = 5 * time.Minute
)

// Load reads and parses a config file at the given path and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return &cfg, nil
}

// Discover walks up from the current directory looking for .auto-coder/config.yaml.
func Discover() (*Config, error) {
	dir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting working directory: %w", err)
	}

	for {
		candidate := filepath.Join(dir, ".auto-coder", "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			return Load(candidate)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return nil, fmt.Errorf("no .auto-coder/config.yaml found in current directory or parents")
}

// Resolve tries the explicit path first, then falls back to Discover.
func Resolve(explicitPath string) (*Config, error) {
	if explicitPath != "" {
		return Load(explicitPath)
	}
	return Discover()
}

func (c *Config) applyDefaults() {
	if c.Labels.InProgress == "" {
		c.Labels.InProgress = DefaultInProgressLabel
	}
	if c.MainBranch == "" {
		c.MainBranch = DefaultMainBranch
	}
	if c.MergeMethod == "" {
		c.MergeMethod = DefaultMergeMethod
	}
	if c.Dependabot.Interval == 0 {
		c.Dependabot.Interval = Duration(defaultDependabotInterval)
	}
	if c.Webhook.Addr == "" {
		c.Webhook.Addr = DefaultWebhookAddr
	}
	if c.Webhook.ReadyDelay == 0 {
		c.Webhook.ReadyDelay = Duration(defaultReadyDelay)
	}
	if c.PollInterval == 0 {
		c.PollInterval = Duration(defaultPollInterval)
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.GitHub.TokenEnv == "" {
		c.GitHub.TokenEnv = DefaultTokenEnv
	}
	if c.Webhook.SecretEnv == "" {
		c.Webhook.SecretEnv = DefaultSecretEnv
	}
	if c.Backends.Default == "" && len(c.Backends.Order) > 0 {
		c.Backends.Default = c.Backends.Order[0]
	}
	if len(c.Backends.Order) == 0 && c.Backends.Default != "" {
		c.Backends.Order = []string{c.Backends.Default}
	}
	if c.StorePath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.StorePath = filepath.Join(home, ".auto-coder", "auto-coder.db")
		}
	}
	if c.LogFile == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.LogFile = filepath.Join(home, ".auto-coder", "auto-coder.log")
		}
	}
}

func (c *Config) validate() error {
	if c.Repo == "" {
		return fmt.Errorf("missing required field: repo")
	}
	if !strings.Contains(c.Repo, "/") {
		return fmt.Errorf("repo must be owner/name, got %q", c.Repo)
	}
	if c.Backends.Default == "" {
		return fmt.Errorf("missing required field: backends.default")
	}
	switch c.MergeMethod {
	case "squash", "merge", "rebase":
	default:
		return fmt.Errorf("merge_method must be squash, merge, or rebase, got %q", c.MergeMethod)
	}
	return nil
}

// Validate checks the config for consistency beyond what load rejects.
// Returns a list of issues found (empty if valid).
func (c *Config) Validate() []string {
	var issues []string

	for _, pattern := range c.AllowedRepos {
		if !doublestar.ValidatePattern(pattern) {
			issues = append(issues, fmt.Sprintf("allowed_repos pattern %q is not valid", pattern))
		}
	}
	for _, name := range c.Backends.Order {
		if name == "" {
			issues = append(issues, "backends.order contains an empty name")
		}
	}
	if c.GitHub.App != nil {
		if c.GitHub.App.ClientID == "" {
			issues = append(issues, "github.app.client_id is required for App auth")
		}
		if c.GitHub.App.InstallationID == 0 {
			issues = append(issues, "github.app.installation_id is required for App auth")
		}
		if c.GitHub.App.PrivateKeyPath == "" {
			issues = append(issues, "github.app.private_key_path is required for App auth")
		}
	}

	return issues
}

// Owner returns the owner part of Repo.
func (c *Config) Owner() string {
	owner, _, _ := strings.Cut(c.Repo, "/")
	return owner
}

// Name returns the repository name part of Repo.
func (c *Config) Name() string {
	_, name, _ := strings.Cut(c.Repo, "/")
	return name
}

// LabelsEnabled reports whether label locking is active.
func (c *Config) LabelsEnabled() bool {
	return c.Labels.Enabled == nil || *c.Labels.Enabled
}

// RepoAllowed reports whether a repository full name ("owner/name") may be
// processed from an inbound webhook event. The configured Repo is always
// allowed; AllowedRepos patterns extend the set.
func (c *Config) RepoAllowed(fullName string) bool {
	if fullName == c.Repo {
		return true
	}
	for _, pattern := range c.AllowedRepos {
		if ok, err := doublestar.Match(pattern, fullName); err == nil && ok {
			return true
		}
	}
	return false
}
