package version

import (
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
)

func fakeBuildInfo(settings map[string]string) func() (*debug.BuildInfo, bool) {
	info := &debug.BuildInfo{}
	for k, v := range settings {
		info.Settings = append(info.Settings, debug.BuildSetting{Key: k, Value: v})
	}
	return func() (*debug.BuildInfo, bool) { return info, true }
}

func TestResolveCommitShortensRevision(t *testing.T) {
	got := resolveCommit(fakeBuildInfo(map[string]string{
		"vcs.revision": "a3f8c2d1e4b5a6978899aabbccddeeff00112233",
	}))
	assert.Equal(t, "a3f8c2d1", got)
}

func TestResolveCommitMarksDirtyTrees(t *testing.T) {
	got := resolveCommit(fakeBuildInfo(map[string]string{
		"vcs.revision": "a3f8c2d1e4b5a6978899aabbccddeeff00112233",
		"vcs.modified": "true",
	}))
	assert.Equal(t, "a3f8c2d1-dirty", got)
}

func TestResolveCommitFallsBackToDev(t *testing.T) {
	assert.Equal(t, "dev", resolveCommit(func() (*debug.BuildInfo, bool) { return nil, false }))
	assert.Equal(t, "dev", resolveCommit(fakeBuildInfo(nil)))
}
