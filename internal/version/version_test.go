package version

import (
	"encoding/json"
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet_UsesLinkerStamp(t *testing.T) {
	defer func(v, c, b string) { Version, Commit, BuildTime = v, c, b }(Version, Commit, BuildTime)
	Version, Commit, BuildTime = "v1.4.0", "0a1b2c3d4e5f6a7b", "2026-03-02T09:00:00Z"

	info := Get("worker")
	assert.Equal(t, "worker", info.Service)
	assert.Equal(t, "v1.4.0", info.Version)
	assert.Equal(t, "0a1b2c3d4e5f6a7b", info.Commit)
	assert.Equal(t, "2026-03-02T09:00:00Z", info.BuildTime)
}

func TestFillFromSettings(t *testing.T) {
	settings := []debug.BuildSetting{
		{Key: "vcs.revision", Value: "deadbeefcafe0123"},
		{Key: "vcs.time", Value: "2026-03-01T12:00:00Z"},
		{Key: "vcs.modified", Value: "true"},
	}

	t.Run("fills unstamped build", func(t *testing.T) {
		info := fillFromSettings(Info{Version: "dev", Commit: "dev", BuildTime: "unknown"}, settings)
		assert.Equal(t, "deadbeefcafe0123", info.Commit)
		assert.Equal(t, "2026-03-01T12:00:00Z", info.BuildTime)
		assert.True(t, info.Modified)
	})

	t.Run("linker stamp wins", func(t *testing.T) {
		info := fillFromSettings(Info{Version: "v2", Commit: "abc", BuildTime: "yesterday"}, settings)
		assert.Equal(t, "abc", info.Commit)
		assert.Equal(t, "yesterday", info.BuildTime)
	})
}

func TestInfo_String(t *testing.T) {
	assert.Equal(t, "v1.4.0+deadbeefcafe", Info{Version: "v1.4.0", Commit: "deadbeefcafe0123"}.String())
	assert.Equal(t, "dev+dev.dirty", Info{Version: "dev", Commit: "dev", Modified: true}.String())
}

func TestInfo_JSON(t *testing.T) {
	data, err := json.Marshal(Info{Service: "worker", Version: "v1", Commit: "abc", BuildTime: "now"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"service":"worker","version":"v1","commit":"abc","buildTime":"now"}`, string(data))
}
