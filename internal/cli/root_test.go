package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and returns stdout and the error.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "digestbot", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, path := range [][]string{
		{"serve"}, {"tick"}, {"dispatch"}, {"assemble"},
		{"cron", "validate"}, {"cron", "next"},
		{"catalog", "import"}, {"catalog", "targets"}, {"runs"},
	} {
		t.Run(strings.Join(path, " "), func(t *testing.T) {
			sub, _, err := cmd.Find(path)
			require.NoError(t, err)
			assert.Equal(t, path[len(path)-1], sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	cfg := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, cfg)
	assert.Equal(t, "c", cfg.Shorthand)
	assert.Equal(t, "./config.yaml", cfg.DefValue)

	require.NotNil(t, cmd.PersistentFlags().Lookup("log-level"))
	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "--format", "xml", "cron", "validate", "* * * * *")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestCronValidate(t *testing.T) {
	tests := []struct {
		expr string
		code int
	}{
		{"0 9 * * 1", ExitSuccess},
		{"*/15 * * * *", ExitSuccess},
		{"1-5/2 * * * *", ExitSuccess},
		{"0 9 * *", ExitFailure},
		{"@daily", ExitFailure},
		{"a * * * *", ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			out, err := execute(t, "cron", "validate", tt.expr)
			assert.Equal(t, tt.code, ExitCode(err))
			if tt.code == ExitSuccess {
				assert.Equal(t, "valid\n", out)
			}
		})
	}
}

func TestCronValidateJSON(t *testing.T) {
	out, err := execute(t, "--format", "json", "cron", "validate", "61 * * * *")
	require.NoError(t, err, "out-of-range values are well-formed")
	var got struct {
		Valid bool `json:"valid"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.True(t, got.Valid)
}

func TestCronNext(t *testing.T) {
	out, err := execute(t, "cron", "next", "*/30 * * * *", "--from", "2024-01-08T08:10:00Z", "-n", "3")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-08T08:30:00Z\n2024-01-08T09:00:00Z\n2024-01-08T09:30:00Z\n", out)

	out, err = execute(t, "cron", "next", "0 9 * * 1", "--from", "2024-01-08T09:00:00+01:00", "--tz", "Europe/Berlin", "-n", "1")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-08T09:00:00+01:00\n", out)

	_, err = execute(t, "cron", "next", "not a cron")
	assert.Equal(t, ExitFailure, ExitCode(err))

	_, err = execute(t, "cron", "next", "* * * * *", "--tz", "Nowhere/City")
	assert.Equal(t, ExitCommandError, ExitCode(err))
}

func TestAssemble(t *testing.T) {
	dir := t.TempDir()
	slack := `{"C123":[{"ts":"1704700000.000100","user":"U1","text":"release is out"}]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "slack.json"), []byte(slack), 0o600))

	out, err := execute(t, "assemble", dir, "--title", "Weekly", "--target", "eng", "--to", "2024-01-08T09:00:00Z")
	require.NoError(t, err)
	assert.Contains(t, out, "# Weekly: eng")
	assert.Contains(t, out, "**Period:** 2024-01-01 to 2024-01-08")
	assert.Contains(t, out, "C123")

	dest := filepath.Join(t.TempDir(), "nested", "digest.md")
	out, err = execute(t, "assemble", dir, "-o", dest)
	require.NoError(t, err)
	assert.Equal(t, dest+"\n", out)
	assert.FileExists(t, dest)

	_, err = execute(t, "assemble", filepath.Join(dir, "missing"))
	assert.Equal(t, ExitCommandError, ExitCode(err))
}

func TestStorageCommandsNeedConfig(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "absent.yaml"), "runs")
	assert.Equal(t, ExitCommandError, ExitCode(err))
}

func TestCatalogImportAndRuns(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("storage: {driver: sqlite, path: "+filepath.Join(dir, "digest.db")+"}\n"), 0o600))
	catalog := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(catalog, []byte(`
targets:
  - {target_id: eng, workspace_id: acme, schedule_cron: "0 9 * * 1", is_active: true}
  - {target_id: adhoc, workspace_id: acme, is_active: true}
sources:
  - {target_id: eng, source_type: github_repo, source_ident: api}
integrations:
  - {workspace_id: acme, type: github, credential_ref: gh}
`), 0o600))

	out, err := execute(t, "--config", cfg, "catalog", "import", catalog)
	require.NoError(t, err)
	assert.Equal(t, "imported 2 targets, 1 sources, 1 integrations\n", out)

	out, err = execute(t, "--config", cfg, "catalog", "targets")
	require.NoError(t, err)
	assert.Contains(t, out, "adhoc\tacme\t(manual)")
	assert.Contains(t, out, "eng\tacme\t0 9 * * 1")

	out, err = execute(t, "--config", cfg, "--format", "json", "runs")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)
}
