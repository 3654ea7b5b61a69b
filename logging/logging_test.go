package logging

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"pagedldap/errors"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]zapcore.Level{
		"":        zap.InfoLevel,
		"DEBUG":   zap.DebugLevel,
		" warn ":  zap.WarnLevel,
		"warning": zap.WarnLevel,
		"error":   zap.ErrorLevel,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Equal(t, errors.InvalidArgument, errors.CodeOf(err))
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, _, err := New(Config{Level: "chatty"})
	assert.Error(t, err)
}

func TestNewStderr(t *testing.T) {
	log, cleanup, err := New(DefaultConfig())
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zap.InfoLevel))
	assert.False(t, log.Core().Enabled(zap.DebugLevel))
	assert.NoError(t, cleanup())
}

func TestNewFileWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "pagedldap.log")
	cfg := DefaultConfig()
	cfg.Level = "warn"
	cfg.File = path

	log, cleanup, err := New(cfg)
	require.NoError(t, err)
	log.Info("dropped")
	log.Warn("paged search expired", zap.String("cookie", "ab12"), zap.Int("pages", 3))
	require.NoError(t, cleanup())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		lines = append(lines, m)
	}
	require.Len(t, lines, 1)
	assert.Equal(t, "warn", lines[0]["level"])
	assert.Equal(t, "paged search expired", lines[0]["msg"])
	assert.Equal(t, "ab12", lines[0]["cookie"])
	assert.EqualValues(t, 3, lines[0]["pages"])
	assert.Contains(t, lines[0], "ts")
}
