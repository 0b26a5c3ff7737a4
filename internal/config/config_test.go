package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
concurrent_queries = 3
request_timeout = "5s"

[[rules]]
name = "prod"
origin_url = "https://catalog.example.org"
repo = "https://git.example.org/mirror.git"

[rules.origin_credentials]
username = "admin"
password = "district"

[rules.committer]
name = "bot"
email = "bot@example.org"

[[rules.metadata]]
name = "dataElements"
group = "Data"

[[rules.metadata]]
name = "organisationUnits"
hierarchical = true
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ConfigFile)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, testConfig))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Concurrency())
	assert.Equal(t, 5*time.Second, cfg.Timeout())
	assert.Equal(t, []string{"prod"}, cfg.RuleNames())

	rule, err := cfg.Rule("prod")
	require.NoError(t, err)
	assert.Equal(t, "https://catalog.example.org", rule.OriginURL)
	assert.Equal(t, "district", rule.OriginCredentials.Password)
	assert.Equal(t, DefaultBranch, rule.RepoBranch)
	assert.Equal(t, DefaultFields, rule.Fields)
	require.Len(t, rule.Metadata, 2)
	assert.Equal(t, "Data", rule.Metadata[0].Group)
	assert.True(t, rule.Metadata[1].Hierarchical)
	assert.NoError(t, rule.Validate())
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `[[rules]]
name = "x"
`))
	require.NoError(t, err)

	assert.Equal(t, DefaultConcurrentQueries, cfg.Concurrency())
	assert.Equal(t, DefaultRequestTimeout, cfg.Timeout())
	assert.Equal(t, JournalFile, filepath.Base(cfg.JournalPath()))
}

func TestRule_NotFound(t *testing.T) {
	cfg, err := Load(writeConfig(t, testConfig))
	require.NoError(t, err)

	_, err = cfg.Rule("staging")
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestRule_EnvOverride(t *testing.T) {
	t.Setenv("CATMIRROR_ORIGIN_PASSWORD", "from-env")

	cfg, err := Load(writeConfig(t, testConfig))
	require.NoError(t, err)

	rule, err := cfg.Rule("prod")
	require.NoError(t, err)
	assert.Equal(t, "from-env", rule.OriginCredentials.Password)
	assert.Equal(t, "admin", rule.OriginCredentials.Username)
}

func TestRule_DoesNotMutateConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, testConfig))
	require.NoError(t, err)

	_, err = cfg.Rule("prod")
	require.NoError(t, err)
	assert.Empty(t, cfg.Rules[0].RepoBranch)
}

func TestRule_Validate(t *testing.T) {
	r := &Rule{Name: "broken"}
	err := r.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "origin_url is required")
	assert.Contains(t, err.Error(), "repo is required")
	assert.Contains(t, err.Error(), "at least one metadata type is required")
}

func TestSaveAndLoad_Sample(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFile)
	require.NoError(t, Sample().Save(path))

	cfg, err := Load(path)
	require.NoError(t, err)

	rule, err := cfg.Rule("example")
	require.NoError(t, err)
	require.Len(t, rule.Metadata, 2)
	assert.Equal(t, "organisationUnits", rule.Metadata[1].Name)
	assert.True(t, rule.Metadata[1].Hierarchical)
}

func TestFindConfigFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ConfigFile), []byte(testConfig), 0600))
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0755))

	wd, err := os.Getwd()
	require.NoError(t, err)
	t.Cleanup(func() { os.Chdir(wd) })
	require.NoError(t, os.Chdir(nested))

	found, err := FindConfigFile()
	require.NoError(t, err)

	want, err := filepath.EvalSymlinks(filepath.Join(root, ConfigFile))
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(found)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".ssh/id"), ExpandHome("~/.ssh/id"))
	assert.Equal(t, "/abs/path", ExpandHome("/abs/path"))
}
