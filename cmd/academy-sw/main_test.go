package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/Sternrassler/himmam-offline/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig points the worker at origin with a SQLite store so state
// survives between command invocations.
func writeConfig(t *testing.T, origin string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "academy.yaml")
	content := fmt.Sprintf(`server:
  origin: %q
storage:
  backend: sqlite
  sql:
    dsn: %q
archive:
  retry:
    max_attempts: 1
log:
  level: error
`, origin, filepath.Join(dir, "cache.db"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestInstallThenStores(t *testing.T) {
	origin := testutil.NewOrigin()
	defer origin.Close()
	cfgPath := writeConfig(t, origin.URL())

	out, err := run(t, "--config", cfgPath, "install")
	require.NoError(t, err)
	assert.Contains(t, out, "installed 6 entries into himmam-academy-v1")
	assert.Equal(t, 1, origin.PathCount("/student-dashboard"))

	out, err = run(t, "--config", cfgPath, "stores", "list")
	require.NoError(t, err)
	assert.Regexp(t, `himmam-academy-v1\s+live\s+6`, out)
}

func TestInstall_Failure(t *testing.T) {
	origin := testutil.NewOrigin()
	defer origin.Close()
	origin.SetResponse("/login", testutil.NewServerErrorResponse())
	cfgPath := writeConfig(t, origin.URL())

	_, err := run(t, "--config", cfgPath, "install")
	assert.Error(t, err)

	out, err := run(t, "--config", cfgPath, "stores", "list")
	require.NoError(t, err)
	assert.Regexp(t, `himmam-academy-v1\s+live\s+0`, out)
}

func TestActivate_DropsStaleStores(t *testing.T) {
	origin := testutil.NewOrigin()
	defer origin.Close()
	cfgPath := writeConfig(t, origin.URL())

	_, err := run(t, "--config", cfgPath, "install")
	require.NoError(t, err)

	// the next deploy renames the primary store
	t.Setenv("ACADEMY_STORES_PRIMARY", "himmam-academy-v2")

	out, err := run(t, "--config", cfgPath, "activate")
	require.NoError(t, err)
	assert.Contains(t, out, "dropped himmam-academy-v1")

	out, err = run(t, "--config", cfgPath, "activate")
	require.NoError(t, err)
	assert.Contains(t, out, "no stale stores")
}

func TestLessons_CacheListRemove(t *testing.T) {
	origin := testutil.NewOrigin()
	defer origin.Close()
	cfgPath := writeConfig(t, origin.URL())

	lessonsPath := filepath.Join(t.TempDir(), "lessons.yaml")
	require.NoError(t, os.WriteFile(lessonsPath, []byte(`- id: "7"
  title: Photosynthesis
  subject: biology
  grade: 9
  video_url: https://www.youtube.com/embed/abc
  pdf_url: /storage/notes/photosynthesis.pdf
- id: "8"
  title: Cells
  materials:
    - /storage/materials/cells.ppt
`), 0o644))

	out, err := run(t, "--config", cfgPath, "lessons", "cache", lessonsPath)
	require.NoError(t, err, out)
	assert.Contains(t, out, "7\tsuccess")
	assert.Contains(t, out, "8\tsuccess")
	assert.Equal(t, 1, origin.PathCount("/storage/notes/photosynthesis.pdf"))

	out, err = run(t, "--config", cfgPath, "lessons", "list")
	require.NoError(t, err)
	assert.Regexp(t, `7\s+Photosynthesis\s+biology\s+9`, out)
	assert.Contains(t, out, "Cells")

	out, err = run(t, "--config", cfgPath, "lessons", "remove", "7")
	require.NoError(t, err)
	assert.Contains(t, out, "removed 7")

	_, err = run(t, "--config", cfgPath, "lessons", "remove", "7")
	assert.Error(t, err)

	out, err = run(t, "--config", cfgPath, "lessons", "list")
	require.NoError(t, err)
	assert.NotContains(t, out, "Photosynthesis")
}

func TestLessons_CacheSingleJSON(t *testing.T) {
	origin := testutil.NewOrigin()
	defer origin.Close()
	cfgPath := writeConfig(t, origin.URL())

	lessonPath := filepath.Join(t.TempDir(), "lesson.json")
	require.NoError(t, os.WriteFile(lessonPath, []byte(`{"id":"3","title":"Fractions","pdf_url":"/storage/fractions.pdf"}`), 0o644))

	out, err := run(t, "--config", cfgPath, "lessons", "cache", lessonPath)
	require.NoError(t, err, out)
	assert.Contains(t, out, "3\tsuccess")
}

func TestReadLessons_Invalid(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
	}{
		{"empty list", `[]`},
		{"missing id", `{"title":"x"}`},
		{"blank id", `{"id":"  ","title":"x"}`},
		{"not yaml", "id: [unclosed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, "lessons.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))
			_, err := readLessons(path)
			assert.Error(t, err)
		})
	}

	_, err := readLessons(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestInvalidLogLevel(t *testing.T) {
	_, err := run(t, "--log-level", "loud", "stores", "list")
	assert.Error(t, err)
}
