// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBranchNameMatchesContract(t *testing.T) {
	assert.Equal(t, "sibyl/agent-abc123", BranchName("abc123"))
}

func TestDetectCapabilitiesMultipleMarkers(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM scratch"), 0o644))

	caps := DetectCapabilities(dir)
	_, hasNode := caps["node"]
	_, hasDocker := caps["docker"]
	assert.True(t, hasNode)
	assert.True(t, hasDocker)
	assert.Len(t, caps, 2)
}

func TestDetectCapabilitiesPythonVariants(t *testing.T) {
	for _, marker := range []string{"pyproject.toml", "setup.py", "requirements.txt"} {
		t.Run(marker, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, marker), []byte(""), 0o644))
			caps := DetectCapabilities(dir)
			_, ok := caps["python"]
			assert.True(t, ok)
		})
	}
}

func TestDetectCapabilitiesEmptyDir(t *testing.T) {
	caps := DetectCapabilities(t.TempDir())
	assert.Empty(t, caps)
}

func TestSortedCapabilitiesIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Cargo.toml"), []byte(""), 0o644))

	assert.Equal(t, []string{"go", "rust"}, SortedCapabilities(dir))
}

func TestBuildRegisterPayload(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module x"), 0o644))

	info := &Info{TaskID: "t1", Path: dir, Branch: "sibyl/agent-t1"}
	payload := BuildRegisterPayload("proj-1", info)

	assert.Equal(t, "proj-1", payload.ProjectID)
	assert.Equal(t, "t1", payload.TaskID)
	assert.Equal(t, []string{"go"}, payload.Capabilities)
}

func TestCreateRejectsInvalidIdentifiers(t *testing.T) {
	m := NewManager(t.TempDir(), t.TempDir())

	_, err := m.Create("../escape", "main")
	assert.Error(t, err)

	_, err = m.Create("task-1", "main; rm -rf /")
	assert.Error(t, err)
}
