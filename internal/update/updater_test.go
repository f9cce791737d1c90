package update

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milohq/milo-agent/internal/common/logger"
	v1 "github.com/milohq/milo-agent/pkg/api/v1"
)

type fakeReleaseClient struct {
	release *v1.ReleaseInfo
	err     error
}

func (c *fakeReleaseClient) LatestRelease(context.Context) (*v1.ReleaseInfo, error) {
	return c.release, c.err
}

func TestCheck(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)

	t.Run("newer release detected", func(t *testing.T) {
		u := NewUpdater(&fakeReleaseClient{release: &v1.ReleaseInfo{Version: "v1.3.0", DownloadURL: "https://example.com/milo"}},
			t.TempDir(), "1.2.0", log)

		release, newer, err := u.Check(context.Background())
		require.NoError(t, err)
		assert.True(t, newer)
		assert.Equal(t, "v1.3.0", release.Version)
	})

	t.Run("same version is not an update", func(t *testing.T) {
		u := NewUpdater(&fakeReleaseClient{release: &v1.ReleaseInfo{Version: "v1.2.0"}},
			t.TempDir(), "1.2.0", log)

		_, newer, err := u.Check(context.Background())
		require.NoError(t, err)
		assert.False(t, newer)
	})

	t.Run("check failure propagates", func(t *testing.T) {
		u := NewUpdater(&fakeReleaseClient{err: assert.AnError}, t.TempDir(), "1.2.0", log)
		_, _, err := u.Check(context.Background())
		require.Error(t, err)
	})
}

func TestBuildScript(t *testing.T) {
	script := buildScript("https://example.com/milo-agentd", "/usr/local/bin/milo-agentd", 4242)
	assert.Contains(t, script, "curl -fsSL")
	assert.Contains(t, script, "https://example.com/milo-agentd")
	assert.Contains(t, script, "kill 4242")
	assert.Contains(t, script, "/usr/local/bin/milo-agentd")
}

func TestApplyRequiresDownloadURL(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)
	u := NewUpdater(&fakeReleaseClient{}, t.TempDir(), "1.0.0", log)

	err = u.Apply(context.Background(), &v1.ReleaseInfo{Version: "v2"})
	require.Error(t, err)
}
