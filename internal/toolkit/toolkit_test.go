package toolkit

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeLocator(env map[string]string) *Locator {
	return &Locator{
		Getenv:   func(k string) string { return env[k] },
		LookPath: func(string) (string, error) { return "", errors.New("not found") },
		Glob:     func(string) ([]string, error) { return nil, nil },
		Stat:     os.Stat,
		OS:       "linux",
	}
}

func TestLocateEnvOverride(t *testing.T) {
	root := t.TempDir()
	loc := fakeLocator(map[string]string{"CUDA_HOME": root})
	loc.LookPath = func(string) (string, error) {
		t.Fatal("PATH must not be searched when CUDA_HOME is set")
		return "", nil
	}

	tk, err := loc.Locate()
	require.NoError(t, err)
	assert.Equal(t, root, tk.Root)
	assert.Empty(t, tk.CompanionRoot)
	assert.Equal(t, filepath.Join(root, "bin", "nvcc"), tk.Nvcc())
}

func TestLocateCudaPathAndCompanion(t *testing.T) {
	root := t.TempDir()
	cudnn := t.TempDir()
	loc := fakeLocator(map[string]string{"CUDA_PATH": root, "CUDNN_PATH": cudnn})

	tk, err := loc.Locate()
	require.NoError(t, err)
	assert.Equal(t, root, tk.Root)
	assert.Equal(t, cudnn, tk.CompanionRoot)
	assert.Equal(t, []string{filepath.Join(root, "include"), filepath.Join(cudnn, "include")}, tk.IncludePaths())
}

func TestLocateFromNvccOnPath(t *testing.T) {
	root := t.TempDir()
	nvcc := filepath.Join(root, "bin", "nvcc")
	loc := fakeLocator(nil)
	loc.LookPath = func(name string) (string, error) {
		assert.Equal(t, "nvcc", name)
		return nvcc, nil
	}

	tk, err := loc.Locate()
	require.NoError(t, err)
	assert.Equal(t, root, tk.Root)
}

func TestLocateNotFound(t *testing.T) {
	loc := fakeLocator(nil)
	loc.Stat = func(string) (fs.FileInfo, error) { return nil, fs.ErrNotExist }

	_, err := loc.Locate()
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLocateNotADirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "cuda")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	loc := fakeLocator(map[string]string{"CUDA_HOME": file})

	_, err := loc.Locate()
	require.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), file)
}

func TestLocateHPCSDKGlob(t *testing.T) {
	root := t.TempDir()
	loc := fakeLocator(nil)
	loc.Stat = func(path string) (fs.FileInfo, error) {
		if path == "/usr/local/cuda" {
			return nil, fs.ErrNotExist
		}
		return os.Stat(path)
	}
	loc.Glob = func(pattern string) ([]string, error) {
		if pattern == "/opt/nvidia/hpc_sdk/*/*/cuda" {
			return []string{filepath.Join(root, "missing"), root}, nil
		}
		return nil, nil
	}

	tk, err := loc.Locate()
	require.NoError(t, err)
	assert.Equal(t, root, tk.Root)
}

func TestIncludePathsSkipsUsrInclude(t *testing.T) {
	tk := &Toolkit{Root: "/usr", OS: "linux"}
	assert.Empty(t, tk.IncludePaths())
}

func TestLibraryPaths(t *testing.T) {
	t.Run("lib64", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, os.Mkdir(filepath.Join(root, "lib64"), 0o755))
		tk := &Toolkit{Root: root, OS: "linux"}
		assert.Equal(t, []string{filepath.Join(root, "lib64")}, tk.LibraryPaths())
	})

	t.Run("lib fallback", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, os.Mkdir(filepath.Join(root, "lib"), 0o755))
		tk := &Toolkit{Root: root, OS: "linux"}
		assert.Equal(t, []string{filepath.Join(root, "lib")}, tk.LibraryPaths())
	})

	t.Run("windows", func(t *testing.T) {
		tk := &Toolkit{Root: "C:/cuda", CompanionRoot: "C:/cudnn", OS: "windows"}
		assert.Equal(t, []string{
			filepath.Join("C:/cuda", "lib", "x64"),
			filepath.Join("C:/cudnn", "lib", "x64"),
		}, tk.LibraryPaths())
		assert.Equal(t, filepath.Join("C:/cuda", "bin", "nvcc.exe"), tk.Nvcc())
	})
}

func TestLibraryPathsUseLocatorStat(t *testing.T) {
	mfs := fstest.MapFS{
		"opt/cuda/bin/nvcc": &fstest.MapFile{Mode: 0o755},
		"opt/cuda/lib":      &fstest.MapFile{Mode: fs.ModeDir | 0o755},
	}
	l := fakeLocator(map[string]string{"CUDA_HOME": "/opt/cuda"})
	l.Stat = func(p string) (fs.FileInfo, error) {
		return fs.Stat(mfs, strings.TrimPrefix(filepath.ToSlash(p), "/"))
	}

	tk, err := l.Locate()
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join("/opt/cuda", "lib")}, tk.LibraryPaths())
}
