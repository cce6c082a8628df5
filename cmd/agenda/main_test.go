package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/agenda-pilot/pkg/config"
	"github.com/mklimuk/agenda-pilot/pkg/recurrence"
	"github.com/mklimuk/agenda-pilot/pkg/recurring"
	"github.com/mklimuk/agenda-pilot/pkg/store"
	"github.com/mklimuk/agenda-pilot/pkg/sync"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestMaterializeCommand(t *testing.T) {
	dir := t.TempDir()
	files, err := store.NewFiles(dir)
	require.NoError(t, err)
	due := time.Now().Add(24 * time.Hour)
	require.NoError(t, files.SaveSeries([]store.Series{{
		ID:       "recurring_1",
		Template: map[string]any{"title": "Water plants"},
		Schedule: recurrence.Rule{Type: recurrence.Daily, Interval: 1},
		NextDue:  &due,
		Active:   true,
	}}))

	out, err := run(t, "materialize", "--data-dir", dir)
	require.NoError(t, err)

	var res recurring.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Len(t, res.Created, 1)
	assert.Equal(t, "Water plants", res.Created[0].Title)
	assert.Len(t, files.LoadTasks(), 1)
	assert.FileExists(t, filepath.Join(dir, "agenda-pilot.db"))
}

func TestSyncCommandUploadsToFolder(t *testing.T) {
	dir := t.TempDir()
	cloud := t.TempDir()

	out, err := run(t, "sync", "--data-dir", dir, "--remotes", "onedrive="+cloud, "--device", "test")
	require.NoError(t, err)

	var outcomes map[string]sync.Outcome
	require.NoError(t, json.Unmarshal([]byte(out), &outcomes))
	assert.True(t, outcomes["onedrive"].Uploaded)
	assert.FileExists(t, filepath.Join(cloud, sync.FolderName, sync.DocumentName))
}

func TestSyncCommandWithoutRemotes(t *testing.T) {
	_, err := run(t, "sync", "--data-dir", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no remotes")
}

func TestFlagsOverrideConfig(t *testing.T) {
	_, err := run(t, "status", "--data-dir", t.TempDir(), "--window", "0")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "window_days"))
}

func TestBackupList(t *testing.T) {
	out, err := run(t, "backup", "list", "--data-dir", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
}

func TestBackupPruneJobLogsOnce(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.DBPath = filepath.Join(cfg.DataDir, "agenda-pilot.db")
	cfg.BackupKeep = 1
	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()
	for i := 0; i < 3; i++ {
		_, err := a.backups.Create([]byte{byte('a' + i)})
		require.NoError(t, err)
	}

	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	require.NoError(t, a.scheduler().Trigger(context.Background(), jobBackupPrune))
	assert.Equal(t, 1, strings.Count(buf.String(), "pruned"), buf.String())
	list, err := a.backups.List()
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
