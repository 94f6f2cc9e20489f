package app

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMigrator records the calls made by the migrate commands
type fakeMigrator struct {
	calls []string
	err   error
}

func (f *fakeMigrator) Up() error {
	f.calls = append(f.calls, "up")
	return f.err
}

func (f *fakeMigrator) Down() error {
	f.calls = append(f.calls, "down")
	return f.err
}

func (f *fakeMigrator) Steps(n int) error {
	f.calls = append(f.calls, fmt.Sprintf("steps:%d", n))
	return f.err
}

func (*fakeMigrator) Version() (uint, bool, error) { return 1, false, nil }

func (*fakeMigrator) Close() (error, error) { return nil, nil }

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

const minimalConfig = `baseUrl: https://data.example.org
resources:
  - resourceId: crimes
    socrataId: ijzp-q8t2
`

func TestVersionCommand(t *testing.T) {
	t.Parallel()

	out, err := execute(t, "", "version", "--format", "json")
	require.NoError(t, err)

	var info map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Contains(t, info, "version")
	assert.Contains(t, info, "go_version")

	out, err = execute(t, "", "version")
	require.NoError(t, err)
	assert.NotEmpty(t, strings.TrimSpace(out))
}

func TestRunCommand_ValidatesProcedure(t *testing.T) {
	t.Parallel()

	_, err := execute(t, "", "run")
	require.Error(t, err)

	_, err = execute(t, "", "run", "compaction")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid argument")
}

func TestRunCommand_Retention(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	_, err := execute(t, "", "run", "retention",
		"--config", writeConfig(t, minimalConfig),
		"--data-dir", dataDir,
	)
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(dataDir, "downloads"))
}

func TestServeCommand_RequiresConfig(t *testing.T) {
	t.Parallel()

	_, err := execute(t, "", "serve", "--config", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration file is required")
}

func TestServeCommand_InvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := execute(t, "", "serve", "--config", writeConfig(t, "resources: []"), "--data-dir", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load configuration")
}

func TestMigrateCommand_RequiresDatabase(t *testing.T) {
	t.Parallel()

	_, err := execute(t, "", "migrate", "up", "--config", writeConfig(t, minimalConfig), "--yes")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database configuration is required")
}

//nolint:paralleltest // uses t.Setenv
func TestResolveSettings(t *testing.T) {
	t.Run("environment", func(t *testing.T) {
		t.Setenv(EnvConfigFile, "/etc/socrata-cache/config.yaml")
		t.Setenv(EnvDownloadsRootPath, "/var/lib/socrata/files")
		t.Setenv(EnvDBFilePath, "/var/lib/socrata/db/datasets.json")

		s, err := resolveSettings(newViper())
		require.NoError(t, err)
		assert.Equal(t, "/etc/socrata-cache/config.yaml", s.configPath)
		assert.Equal(t, "/var/lib/socrata/files", s.downloadsDir)
		assert.Equal(t, "/var/lib/socrata/db", s.dataDir)
	})

	t.Run("data dir wins over record file", func(t *testing.T) {
		t.Setenv(EnvConfigFile, "config.yaml")
		t.Setenv(EnvDataDir, "/srv/data")
		t.Setenv(EnvDBFilePath, "/elsewhere/datasets.json")

		s, err := resolveSettings(newViper())
		require.NoError(t, err)
		assert.Equal(t, "/srv/data", s.dataDir)
	})

	t.Run("missing config", func(t *testing.T) {
		t.Setenv(EnvConfigFile, "")

		_, err := resolveSettings(newViper())
		require.Error(t, err)
		assert.Contains(t, err.Error(), EnvConfigFile)
	})
}

func TestExecuteMigrate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		run       func(*fakeMigrator) error
		err       error
		wantCalls []string
		wantErr   bool
	}{
		{name: "up all", run: func(m *fakeMigrator) error { return executeMigrateUp(m, 0) }, wantCalls: []string{"up"}},
		{name: "up steps", run: func(m *fakeMigrator) error { return executeMigrateUp(m, 2) }, wantCalls: []string{"steps:2"}},
		{name: "down all", run: func(m *fakeMigrator) error { return executeMigrateDown(m, 0) }, wantCalls: []string{"down"}},
		{name: "down steps", run: func(m *fakeMigrator) error { return executeMigrateDown(m, 1) }, wantCalls: []string{"steps:-1"}},
		{
			name:      "no change is not an error",
			run:       func(m *fakeMigrator) error { return executeMigrateUp(m, 0) },
			err:       migrate.ErrNoChange,
			wantCalls: []string{"up"},
		},
		{
			name:      "failure",
			run:       func(m *fakeMigrator) error { return executeMigrateDown(m, 0) },
			err:       errors.New("lock timeout"),
			wantCalls: []string{"down"},
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m := &fakeMigrator{err: tt.err}
			err := tt.run(m)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, m.calls)
		})
	}
}

func TestConfirm(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  bool
	}{
		{input: "yes\n", want: true},
		{input: "Y\n", want: true},
		{input: "no\n", want: false},
		{input: "", want: false},
		{input: "yes", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			var out bytes.Buffer
			assert.Equal(t, tt.want, confirm(strings.NewReader(tt.input), &out, "Continue?"))
			assert.Equal(t, "Continue? (yes/no): ", out.String())
		})
	}
}

func TestMigrateDownPrompt(t *testing.T) {
	t.Parallel()

	assert.Contains(t, migrateDownPrompt(0), "ALL steps")
	assert.Contains(t, migrateDownPrompt(3), "3 step(s)")
}
