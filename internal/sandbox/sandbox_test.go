package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestSandbox(t *testing.T) *Sandbox {
	t.Helper()
	sb, err := New(filepath.Join(t.TempDir(), "workspace"), zap.NewNop())
	require.NoError(t, err)
	return sb
}

func TestNewCreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "fresh")
	sb, err := New(root, zap.NewNop())
	require.NoError(t, err)

	info, err := os.Stat(sb.Root())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestWriteThenReadFile(t *testing.T) {
	sb := newTestSandbox(t)

	res := sb.Execute(Request{Operation: ToolWriteFile, Params: map[string]any{
		"path":    "src/main.go",
		"content": "package main\n",
	}})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, len("package main\n"), res.Payload["bytes_written"])

	res = sb.Execute(Request{Operation: ToolReadFile, Params: map[string]any{"path": "src/main.go"}})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "package main\n", res.Payload["content"])
}

func TestReadMissingFile(t *testing.T) {
	sb := newTestSandbox(t)
	res := sb.Execute(Request{Operation: ToolReadFile, Params: map[string]any{"path": "nope.txt"}})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "does not exist")
}

func TestReadDirectoryRejected(t *testing.T) {
	sb := newTestSandbox(t)
	require.NoError(t, os.MkdirAll(filepath.Join(sb.Root(), "dir"), 0o755))

	res := sb.Execute(Request{Operation: ToolReadFile, Params: map[string]any{"path": "dir"}})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "directory")
}

func TestListDir(t *testing.T) {
	sb := newTestSandbox(t)
	require.NoError(t, os.MkdirAll(filepath.Join(sb.Root(), "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sb.Root(), "zz.txt"), []byte("z"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(sb.Root(), "aa.txt"), []byte("a"), 0o644))

	res := sb.Execute(Request{Operation: ToolListDir, Params: map[string]any{"path": "."}})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, []string{"aa.txt", "pkg/", "zz.txt"}, res.Payload["entries"])
}

func TestFileExists(t *testing.T) {
	sb := newTestSandbox(t)
	require.NoError(t, os.WriteFile(filepath.Join(sb.Root(), "present.txt"), []byte("x"), 0o644))

	res := sb.Execute(Request{Operation: ToolFileExists, Params: map[string]any{"path": "present.txt"}})
	require.True(t, res.Success)
	assert.Equal(t, true, res.Payload["exists"])

	res = sb.Execute(Request{Operation: ToolFileExists, Params: map[string]any{"path": "absent.txt"}})
	require.True(t, res.Success)
	assert.Equal(t, false, res.Payload["exists"])
}

func TestUnknownTool(t *testing.T) {
	sb := newTestSandbox(t)
	res := sb.Execute(Request{Operation: "delete_everything"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "unknown tool")
}

func TestPathContainment(t *testing.T) {
	sb := newTestSandbox(t)

	// A sibling secret outside the root must stay unreachable.
	outside := filepath.Join(filepath.Dir(sb.Root()), "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("credentials"), 0o600))

	escapes := []string{
		"../secret.txt",
		"../../etc/passwd",
		"/etc/passwd",
		"a/../../secret.txt",
		"",
	}
	for _, path := range escapes {
		for _, op := range []string{ToolReadFile, ToolWriteFile, ToolListDir, ToolFileExists} {
			res := sb.Execute(Request{Operation: op, Params: map[string]any{
				"path":    path,
				"content": "overwrite attempt",
			}})
			assert.False(t, res.Success, "%s must reject %q", op, path)
		}
	}

	// The write attempts above must not have altered the outside file.
	data, err := os.ReadFile(outside)
	require.NoError(t, err)
	assert.Equal(t, "credentials", string(data))
}

func TestWriteCreatesParentDirsInsideRoot(t *testing.T) {
	sb := newTestSandbox(t)

	res := sb.Execute(Request{Operation: ToolWriteFile, Params: map[string]any{
		"path":    "deep/nested/dir/file.txt",
		"content": "ok",
	}})
	require.True(t, res.Success, res.Error)

	data, err := os.ReadFile(filepath.Join(sb.Root(), "deep", "nested", "dir", "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
}
