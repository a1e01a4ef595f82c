package netreactor

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for input, want := range map[string]logiface.Level{
		"trace":    logiface.LevelTrace,
		"DEBUG":    logiface.LevelDebug,
		" info ":   logiface.LevelInformational,
		"notice":   logiface.LevelNotice,
		"warn":     logiface.LevelWarning,
		"warning":  logiface.LevelWarning,
		"error":    logiface.LevelError,
		"crit":     logiface.LevelCritical,
		"disabled": logiface.LevelDisabled,
	} {
		got, err := ParseLevel(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, logiface.LevelInformational)

	logger.Debug().Log(`hidden`)
	logger.Info().Str("runtime", "r1").Int("fd", 7).Log(`visible`)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "visible", entry["msg"])
	assert.Equal(t, "r1", entry["runtime"])
	assert.EqualValues(t, 7, entry["fd"])
}

func TestLimitedErr(t *testing.T) {
	assert.Nil(t, limitedErr(nil, t.Name()), "disabled loggers yield nil builders")

	var buf bytes.Buffer
	logger := NewLogger(&buf, logiface.LevelError)

	var allowed int
	for i := 0; i < 20; i++ {
		if b := limitedErr(logger, t.Name()); b != nil {
			allowed++
			b.Log(`limited`)
		}
	}
	assert.Equal(t, 10, allowed)
	assert.Equal(t, 10, strings.Count(buf.String(), `"limited"`))
}

func TestRecoverCallback(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, logiface.LevelError)

	func() {
		defer func() {
			if r := recover(); r != nil {
				recoverCallback(logger, t.Name(), r)
			}
		}()
		panic("kaboom")
	}()

	assert.Contains(t, buf.String(), `"panic":"kaboom"`)
	assert.Contains(t, buf.String(), `callback panicked`)
}
