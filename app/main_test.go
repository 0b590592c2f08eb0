package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sitekit/jobstore/app/config"
)

func Test_makeStore(t *testing.T) {
	opts.Store.Type = "local"
	opts.Store.Root = t.TempDir()
	opts.Store.Concurrency = 1
	st, err := makeStore()
	require.NoError(t, err)
	require.NoError(t, st.Close())

	opts.Store.Type = "sqlite"
	opts.Store.DBFile = filepath.Join(t.TempDir(), "jobs.db")
	st, err = makeStore()
	require.NoError(t, err)
	require.NoError(t, st.Close())

	opts.Store.Type = "bogus"
	_, err = makeStore()
	assert.Error(t, err)
}

func Test_makeNotifier(t *testing.T) {
	assert.Nil(t, makeNotifier(nil))

	cfg := &config.YamlConfig{}
	assert.Nil(t, makeNotifier(cfg), "no destinations, no notifier")

	cfg.Notify.Destinations = []string{"https://example.com/hook"}
	cfg.Notify.OnStatuses = []string{"FAILED"}
	assert.NotNil(t, makeNotifier(cfg))
}

func Test_setupLogsWithLogsDisabled(t *testing.T) {
	opts.Log.Enabled = false
	assert.Equal(t, os.Stdout, setupLogs())
}

func Test_setupLogsToFile(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	opts.Log.Enabled = true
	opts.Log.Filename = tmpfile.Name()
	opts.Log.MaxSize = 100
	opts.Log.MaxBackups = 7
	opts.Log.MaxAge = 0
	opts.Log.EnabledCompress = false

	out := setupLogs()
	assert.IsType(t, &lumberjack.Logger{}, out)

	logger := out.(*lumberjack.Logger)
	assert.Equal(t, tmpfile.Name(), logger.Filename)
	assert.Equal(t, 100, logger.MaxSize)
	assert.Equal(t, 7, logger.MaxBackups)
	assert.Equal(t, 0, logger.MaxAge)
	assert.False(t, logger.Compress)

	opts.Log.Enabled = false
	opts.Log.Filename = ""
}
