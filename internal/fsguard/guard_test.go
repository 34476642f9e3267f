package fsguard

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateManagedPath(t *testing.T) {
	base := t.TempDir()

	tests := []struct {
		name    string
		path    string
		force   bool
		wantErr error
	}{
		{name: "direct child", path: filepath.Join(base, "ws-1")},
		{name: "nested descendant", path: filepath.Join(base, "a", "b", "c")},
		{name: "base itself", path: base, wantErr: ErrBaseDirectory},
		{name: "base itself with force", path: base, force: true, wantErr: ErrBaseDirectory},
		{name: "sibling", path: filepath.Join(filepath.Dir(base), "elsewhere"), wantErr: ErrUnsafePath},
		{name: "traversal escape", path: filepath.Join(base, "..", "escape"), wantErr: ErrUnsafePath},
		{name: "outside with force", path: filepath.Join(filepath.Dir(base), "elsewhere"), force: true},
		{name: "root", path: "/", wantErr: ErrUnsafePath},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateManagedPath(tt.path, base, tt.force)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateManagedPathEmptyArgs(t *testing.T) {
	assert.Error(t, ValidateManagedPath("", "/base", false))
	assert.Error(t, ValidateManagedPath("/base/x", "", false))
}

func TestEnsureWritableDirectory(t *testing.T) {
	t.Run("creates missing directory", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "sub", "dir")
		require.NoError(t, EnsureWritableDirectory(path))

		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("idempotent on existing directory", func(t *testing.T) {
		path := t.TempDir()
		assert.NoError(t, EnsureWritableDirectory(path))
		assert.NoError(t, EnsureWritableDirectory(path))
	})

	t.Run("fails when path is a file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
		assert.Error(t, EnsureWritableDirectory(path))
	})
}

func TestEnsureSufficientSpace(t *testing.T) {
	t.Run("passes for tiny requirement", func(t *testing.T) {
		assert.NoError(t, EnsureSufficientSpace(t.TempDir(), 1))
	})

	t.Run("fails for absurd requirement", func(t *testing.T) {
		err := EnsureSufficientSpace(t.TempDir(), ^uint64(0))
		require.ErrorIs(t, err, ErrInsufficientSpace)

		var spaceErr *SpaceError
		require.ErrorAs(t, err, &spaceErr)
		assert.NotZero(t, spaceErr.Required)
	})

	t.Run("walks up to nearest existing ancestor", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "does", "not", "exist")
		assert.NoError(t, EnsureSufficientSpace(path, 1))
	})

	t.Run("empty path rejected", func(t *testing.T) {
		assert.Error(t, EnsureSufficientSpace("", 1))
	})
}
