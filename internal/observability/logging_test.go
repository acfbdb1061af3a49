package observability

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/EunoiaAmerta/SIGMA-BIO/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	t.Run("json output respects level", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewLoggerTo(&buf, config.LogLevelWarn, config.LogFormatJSON)

		l.Info("dropped")
		l.Warn("kept", "key", "student:a@b.com:123:current")

		var line map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		assert.Equal(t, "kept", line["msg"])
		assert.Equal(t, "student:a@b.com:123:current", line["key"])
	})

	t.Run("text output", func(t *testing.T) {
		var buf bytes.Buffer
		NewLoggerTo(&buf, config.LogLevelDebug, config.LogFormatText).Debug("hello")
		assert.Contains(t, buf.String(), "msg=hello")
	})

	t.Run("unknown level and format fall back to info json", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewLoggerTo(&buf, "trace", "xml")
		l.Debug("hidden")
		assert.Zero(t, buf.Len())
		l.Info("shown")
		assert.True(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
	})

	t.Run("stdout logger", func(t *testing.T) {
		assert.NotNil(t, NewLogger(config.LogLevelInfo, config.LogFormatJSON))
	})
}
