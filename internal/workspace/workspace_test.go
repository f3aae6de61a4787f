package workspace_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarson/agentq/internal/workspace"
)

func TestDirResolver_Resolve(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	r, err := workspace.NewDirResolver(root)
	require.NoError(t, err)

	got, err := r.Resolve("proj-1", "thread-9")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "projects", "proj-1", "threads", "thread-9"), got)

	again, err := r.Resolve("proj-1", "thread-9")
	require.NoError(t, err)
	assert.Equal(t, got, again, "resolution is deterministic")

	_, statErr := os.Stat(got)
	assert.True(t, os.IsNotExist(statErr), "Resolve must not create directories")
}

func TestDirResolver_RejectsEscapes(t *testing.T) {
	t.Parallel()
	r, err := workspace.NewDirResolver(t.TempDir())
	require.NoError(t, err)

	for _, tc := range []struct{ project, thread string }{
		{"", "t"},
		{"p", ""},
		{"..", "t"},
		{"p", "."},
		{"p/../../etc", "t"},
		{"p", `a\b`},
	} {
		_, err := r.Resolve(tc.project, tc.thread)
		assert.ErrorIs(t, err, workspace.ErrInvalidID, "%q/%q", tc.project, tc.thread)
	}
}

func TestEnsure(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "a", "b")
	require.NoError(t, workspace.Ensure(dir))
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	require.NoError(t, workspace.Ensure(dir), "idempotent")
}
