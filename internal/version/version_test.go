package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	prevVersion, prevCommit, prevBuild := Version, GitCommit, BuildTime
	t.Cleanup(func() { Version, GitCommit, BuildTime = prevVersion, prevCommit, prevBuild })

	Version, GitCommit, BuildTime = "0.3.0", "unknown", "unknown"
	assert.Equal(t, "0.3.0", String())
	assert.Equal(t, "Version=0.3.0", StringFull())

	GitCommit, BuildTime = "0123456789abcdef", "2026-10-19T00:00:00Z"
	assert.Equal(t, "0.3.0-01234567", String())
	assert.Equal(t, "Version=0.3.0 Commit=01234567 BuildTime=2026-10-19T00:00:00Z", StringFull())
}

func TestGetCurrentVersion(t *testing.T) {
	assert.Equal(t, DevVersion, GetCurrentVersion("dev"))
	assert.Equal(t, Version, GetCurrentVersion("prod"))
}
