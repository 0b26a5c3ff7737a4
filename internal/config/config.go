// Package config manages catmirror configuration: the rules file, the rule
// lookup and environment overrides for credentials.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kilupskalvis/catmirror/internal/models"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

const (
	ConfigFile  = "catmirror.toml"
	JournalFile = "journal.db"
	EnvPrefix   = "CATMIRROR"

	DefaultConcurrentQueries = 5
	DefaultRequestTimeout    = 60 * time.Second
	DefaultFields            = ":owner"
	DefaultBranch            = "master"
	DefaultStateDir          = "~/.catmirror"
)

// ErrRuleNotFound is returned when a named rule is not configured.
var ErrRuleNotFound = errors.New("rule not found")

// Config represents the catmirror configuration file.
type Config struct {
	ConcurrentQueries int     `toml:"concurrent_queries" mapstructure:"concurrent_queries"`
	MaxRPS            float64 `toml:"max_rps" mapstructure:"max_rps"`
	RequestTimeout    string  `toml:"request_timeout" mapstructure:"request_timeout"`
	StateDir          string  `toml:"state_dir" mapstructure:"state_dir"`
	Rules             []*Rule `toml:"rules" mapstructure:"rules"`

	path  string // path to the loaded file
	viper *viper.Viper
}

// Rule is one mirror definition: an origin catalog, a repository and the types to mirror.
type Rule struct {
	Name              string                      `toml:"name" mapstructure:"name"`
	OriginURL         string                      `toml:"origin_url" mapstructure:"origin_url"`
	OriginCredentials Credentials                 `toml:"origin_credentials" mapstructure:"origin_credentials"`
	Repo              string                      `toml:"repo" mapstructure:"repo"`
	RepoBranch        string                      `toml:"repo_branch" mapstructure:"repo_branch"`
	RepoCredentials   RepoCredentials             `toml:"repo_credentials" mapstructure:"repo_credentials"`
	Committer         Committer                   `toml:"committer" mapstructure:"committer"`
	Fields            string                      `toml:"fields,omitempty" mapstructure:"fields"`
	StrictFetch       bool                        `toml:"strict_fetch,omitempty" mapstructure:"strict_fetch"`
	Debug             bool                        `toml:"debug,omitempty" mapstructure:"debug"`
	Metadata          []models.MetadataTypeConfig `toml:"metadata" mapstructure:"metadata"`
}

// Credentials are basic auth credentials for the origin catalog.
type Credentials struct {
	Username string `toml:"username" mapstructure:"username"`
	Password string `toml:"password" mapstructure:"password"`
}

// RepoCredentials authenticate against the git remote. A private key selects
// SSH, otherwise username/password are used for HTTP(S).
type RepoCredentials struct {
	PrivateKey            string `toml:"private_key,omitempty" mapstructure:"private_key"`
	Passphrase            string `toml:"passphrase,omitempty" mapstructure:"passphrase"`
	Username              string `toml:"username,omitempty" mapstructure:"username"`
	Password              string `toml:"password,omitempty" mapstructure:"password"`
	InsecureIgnoreHostKey bool   `toml:"insecure_ignore_host_key,omitempty" mapstructure:"insecure_ignore_host_key"`
}

// Committer is the author identity of mirror commits.
type Committer struct {
	Name  string `toml:"name" mapstructure:"name"`
	Email string `toml:"email" mapstructure:"email"`
}

// FindConfigFile finds catmirror.toml by walking up from the current directory
func FindConfigFile() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		p := filepath.Join(dir, ConfigFile)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%s not found (in current directory or any parent up to root)", ConfigFile)
		}
		dir = parent
	}
}

// Load reads the configuration at path, or searches for it when path is empty.
// Environment variables prefixed with CATMIRROR_ override file values.
func Load(path string) (*Config, error) {
	if path == "" {
		found, err := FindConfigFile()
		if err != nil {
			return nil, err
		}
		path = found
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("concurrent_queries", DefaultConcurrentQueries)
	v.SetDefault("request_timeout", DefaultRequestTimeout.String())
	v.SetDefault("state_dir", DefaultStateDir)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.path = path
	cfg.viper = v
	return &cfg, nil
}

// Path returns the file the configuration was loaded from.
func (c *Config) Path() string {
	return c.path
}

// Save writes the configuration as TOML.
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	c.path = path
	return nil
}

// Rule returns the named rule with environment overrides and defaults applied.
func (c *Config) Rule(name string) (*Rule, error) {
	for _, r := range c.Rules {
		if r != nil && r.Name == name {
			rule := *r
			c.applyOverrides(&rule)
			rule.applyDefaults()
			return &rule, nil
		}
	}
	return nil, fmt.Errorf("rule %q: %w", name, ErrRuleNotFound)
}

// RuleNames lists the configured rule names in file order.
func (c *Config) RuleNames() []string {
	names := make([]string, 0, len(c.Rules))
	for _, r := range c.Rules {
		if r != nil {
			names = append(names, r.Name)
		}
	}
	return names
}

// applyOverrides takes secrets from the environment when set, so they can be
// kept out of the file.
func (c *Config) applyOverrides(r *Rule) {
	if c.viper == nil {
		return
	}
	overrides := []struct {
		key    string
		target *string
	}{
		{"origin_username", &r.OriginCredentials.Username},
		{"origin_password", &r.OriginCredentials.Password},
		{"repo_username", &r.RepoCredentials.Username},
		{"repo_password", &r.RepoCredentials.Password},
		{"repo_passphrase", &r.RepoCredentials.Passphrase},
	}
	for _, o := range overrides {
		if v := c.viper.GetString(o.key); v != "" {
			*o.target = v
		}
	}
}

func (r *Rule) applyDefaults() {
	if r.RepoBranch == "" {
		r.RepoBranch = DefaultBranch
	}
	if r.Fields == "" {
		r.Fields = DefaultFields
	}
	r.RepoCredentials.PrivateKey = ExpandHome(r.RepoCredentials.PrivateKey)
}

// Validate checks that the rule can run.
func (r *Rule) Validate() error {
	var errs []error
	if r.OriginURL == "" {
		errs = append(errs, errors.New("origin_url is required"))
	}
	if r.Repo == "" {
		errs = append(errs, errors.New("repo is required"))
	}
	if r.Committer.Name == "" || r.Committer.Email == "" {
		errs = append(errs, errors.New("committer name and email are required"))
	}
	if len(r.Metadata) == 0 {
		errs = append(errs, errors.New("at least one metadata type is required"))
	}
	for i, m := range r.Metadata {
		if m.Name == "" {
			errs = append(errs, fmt.Errorf("metadata[%d]: name is required", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("rule %q: %w", r.Name, errors.Join(errs...))
	}
	return nil
}

// Concurrency returns the process-wide cap on in-flight body fetches.
func (c *Config) Concurrency() int {
	if c.ConcurrentQueries <= 0 {
		return DefaultConcurrentQueries
	}
	return c.ConcurrentQueries
}

// Timeout returns the per-request timeout.
func (c *Config) Timeout() time.Duration {
	if c.RequestTimeout == "" {
		return DefaultRequestTimeout
	}
	d, err := time.ParseDuration(c.RequestTimeout)
	if err != nil || d <= 0 {
		return DefaultRequestTimeout
	}
	return d
}

// JournalPath returns the path of the run journal database.
func (c *Config) JournalPath() string {
	dir := c.StateDir
	if dir == "" {
		dir = DefaultStateDir
	}
	return filepath.Join(ExpandHome(dir), JournalFile)
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// Sample returns a starter configuration written by "catmirror init".
func Sample() *Config {
	return &Config{
		ConcurrentQueries: DefaultConcurrentQueries,
		RequestTimeout:    DefaultRequestTimeout.String(),
		StateDir:          DefaultStateDir,
		Rules: []*Rule{
			{
				Name:      "example",
				OriginURL: "https://play.example.org",
				OriginCredentials: Credentials{
					Username: "admin",
				},
				Repo:       "git@github.com:example/metadata.git",
				RepoBranch: DefaultBranch,
				RepoCredentials: RepoCredentials{
					PrivateKey: "~/.ssh/id_ed25519",
				},
				Committer: Committer{Name: "catmirror", Email: "catmirror@example.org"},
				Fields:    DefaultFields,
				Metadata: []models.MetadataTypeConfig{
					{Name: "dataElements", Group: "Data"},
					{Name: "organisationUnits", Hierarchical: true},
				},
			},
		},
	}
}
