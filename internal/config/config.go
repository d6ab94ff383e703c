package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML support for "30s" style values.
type Duration time.Duration

// UnmarshalYAML parses a duration string like "30s" or "5m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in time.Duration string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents the complete mirrorsyncd configuration
type Config struct {
	Pair     PairConfig   `yaml:"pair"`
	Branches BranchConfig `yaml:"branches"`
	Sync     SyncConfig   `yaml:"sync"`
	Auth     AuthConfig   `yaml:"auth"`
	Serve    ServeConfig  `yaml:"serve"`
	Notify   NotifyConfig `yaml:"notify"`

	// LedgerPath is the SQLite database holding the job ledger.
	// Defaults to <pair.workdir>/ledger.db.
	LedgerPath string `yaml:"ledger_path"`
}

// PairConfig identifies the private/public repository pair.
type PairConfig struct {
	PrivateURL string `yaml:"private_url"`
	PublicURL  string `yaml:"public_url"`
	Workdir    string `yaml:"workdir"`
}

// BranchConfig maps branch roles to branch names.
type BranchConfig struct {
	WorkflowStorage string `yaml:"workflow_storage"`
	Divergence      string `yaml:"divergence"`
	Publish         string `yaml:"publish"`
	ExternalMain    string `yaml:"external_main"`
}

// SyncConfig configures sync behavior
type SyncConfig struct {
	SchedulePullCron string   `yaml:"schedule_pull_cron"`
	ExcludedPaths    []string `yaml:"excluded_paths"`
	RetryLimit       int      `yaml:"retry_limit"`
	RetryBackoff     Duration `yaml:"retry_backoff"`
	OperationTimeout Duration `yaml:"operation_timeout"`
}

// AuthConfig configures authentication against the pair's remotes.
// The token is presented as an x-access-token basic credential.
type AuthConfig struct {
	TokenFile string `yaml:"token_file"`
}

// ServeConfig configures the daemon mode (scheduler plus webhook server)
type ServeConfig struct {
	ListenAddr        string   `yaml:"listen_addr"`
	WebhookSecretFile string   `yaml:"webhook_secret_file"`
	AllowedRefs       []string `yaml:"allowed_refs"`
}

// NotifyConfig configures where escalations are posted. An empty target
// routes notifications to the log only.
type NotifyConfig struct {
	Target string `yaml:"target"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Pair.PrivateURL = os.ExpandEnv(c.Pair.PrivateURL)
	c.Pair.PublicURL = os.ExpandEnv(c.Pair.PublicURL)
	c.Pair.Workdir = os.ExpandEnv(c.Pair.Workdir)
	c.Auth.TokenFile = os.ExpandEnv(c.Auth.TokenFile)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.WebhookSecretFile = os.ExpandEnv(c.Serve.WebhookSecretFile)
	c.Notify.Target = os.ExpandEnv(c.Notify.Target)
	c.LedgerPath = os.ExpandEnv(c.LedgerPath)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Branches.WorkflowStorage == "" {
		c.Branches.WorkflowStorage = "sync-config"
	}
	if c.Branches.Divergence == "" {
		c.Branches.Divergence = "develop"
	}
	if c.Branches.Publish == "" {
		c.Branches.Publish = "main"
	}
	if c.Branches.ExternalMain == "" {
		c.Branches.ExternalMain = "main"
	}
	if c.Sync.SchedulePullCron == "" {
		// Daily at 02:00 UTC
		c.Sync.SchedulePullCron = "0 2 * * *"
	}
	if c.Sync.RetryLimit == 0 {
		c.Sync.RetryLimit = 3
	}
	if c.Sync.RetryBackoff == 0 {
		c.Sync.RetryBackoff = Duration(30 * time.Second)
	}
	if c.Sync.OperationTimeout == 0 {
		c.Sync.OperationTimeout = Duration(5 * time.Minute)
	}
	if c.LedgerPath == "" && c.Pair.Workdir != "" {
		c.LedgerPath = filepath.Join(c.Pair.Workdir, "ledger.db")
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Pair.PrivateURL == "" {
		return fmt.Errorf("pair.private_url is required")
	}
	if c.Pair.PublicURL == "" {
		return fmt.Errorf("pair.public_url is required")
	}
	if c.Pair.Workdir == "" {
		return fmt.Errorf("pair.workdir is required")
	}
	if !filepath.IsAbs(c.Pair.Workdir) {
		return fmt.Errorf("pair.workdir must be an absolute path: %s", c.Pair.Workdir)
	}

	// The workflow-storage branch is orchestrator configuration, never a
	// sync participant. A role collision would make it one.
	for role, name := range map[string]string{
		"divergence":    c.Branches.Divergence,
		"publish":       c.Branches.Publish,
		"external_main": c.Branches.ExternalMain,
	} {
		if name == c.Branches.WorkflowStorage {
			return fmt.Errorf("branches.%s collides with branches.workflow_storage (%s)", role, name)
		}
	}
	if c.Branches.Divergence == c.Branches.Publish {
		return fmt.Errorf("branches.divergence and branches.publish must differ")
	}

	if c.Sync.RetryLimit < 0 {
		return fmt.Errorf("sync.retry_limit must not be negative")
	}
	if c.Sync.RetryBackoff < 0 {
		return fmt.Errorf("sync.retry_backoff must not be negative")
	}

	if c.Serve.ListenAddr != "" && c.Serve.WebhookSecretFile == "" {
		return fmt.Errorf("serve.webhook_secret_file is required when serve.listen_addr is set")
	}

	return nil
}

// RepoDir returns the path of the orchestrator's local clone.
func (c *Config) RepoDir() string {
	return filepath.Join(c.Pair.Workdir, "repo")
}

// PublishRef returns the fully qualified ref of the publish branch.
func (c *Config) PublishRef() string {
	return "refs/heads/" + c.Branches.Publish
}

// IsExcluded reports whether a repository path falls inside the
// configured exclusion set. Entries ending in "/" match as prefixes,
// other entries match exactly.
func (c *Config) IsExcluded(path string) bool {
	for _, ex := range c.Sync.ExcludedPaths {
		if strings.HasSuffix(ex, "/") {
			if strings.HasPrefix(path, ex) {
				return true
			}
			continue
		}
		if path == ex {
			return true
		}
	}
	return false
}
