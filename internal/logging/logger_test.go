package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		level Level
		want  logrus.Level
	}{
		{LevelQuiet, logrus.ErrorLevel},
		{LevelNormal, logrus.InfoLevel},
		{LevelVerbose, logrus.DebugLevel},
		{"", logrus.InfoLevel},
	}
	for _, tt := range tests {
		l, err := New(Config{Level: tt.level, Output: &bytes.Buffer{}})
		require.NoError(t, err)
		assert.Equal(t, tt.want, l.GetLevel(), string(tt.level))
	}
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Format: "json", Output: &buf})
	require.NoError(t, err)

	l.WithField("backupId", "abc").Info("Upload complete")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "Upload complete", entry["msg"])
	assert.Equal(t, "abc", entry["backupId"])
}

func TestNew_QuietDropsInfo(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: LevelQuiet, Output: &buf})
	require.NoError(t, err)

	l.Info("hidden")
	assert.Empty(t, buf.String())
	l.Error("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestNew_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "soulsnap.log")
	var buf bytes.Buffer
	l, err := New(Config{File: path, Output: &buf})
	require.NoError(t, err)

	l.Info("to both")
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to both")
	assert.Contains(t, buf.String(), "to both")
}

func TestDiscard(t *testing.T) {
	l := Discard()
	l.Error("nothing")
	assert.NoError(t, l.Close())
}
