// Package toolkit locates the CUDA toolkit and its companion libraries.
package toolkit

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrNotFound means no usable toolkit root exists. It is not retryable.
var ErrNotFound = errors.New("CUDA toolkit not found, set CUDA_HOME to your CUDA install root")

// Toolkit is a located CUDA installation.
type Toolkit struct {
	Root string
	// CompanionRoot is the cuDNN root from CUDNN_HOME/CUDNN_PATH, or "".
	CompanionRoot string
	// OS is the operating system the toolkit was located on.
	OS string

	// stat is the Locator's Stat, os.Stat when unset.
	stat func(string) (fs.FileInfo, error)
}

// Locator resolves the toolkit root. The zero value is not usable, see NewLocator.
type Locator struct {
	Getenv   func(string) string
	LookPath func(string) (string, error)
	Glob     func(pattern string) ([]string, error)
	Stat     func(string) (fs.FileInfo, error)
	OS       string
}

// NewLocator returns a Locator probing the real environment and filesystem.
func NewLocator() *Locator {
	return &Locator{
		Getenv:   os.Getenv,
		LookPath: exec.LookPath,
		Glob: func(pattern string) ([]string, error) {
			return doublestar.FilepathGlob(pattern)
		},
		Stat: os.Stat,
		OS:   runtime.GOOS,
	}
}

// Locate finds the toolkit of the current system.
func Locate() (*Toolkit, error) {
	return NewLocator().Locate()
}

// Locate resolves the toolkit root: first CUDA_HOME/CUDA_PATH, then the
// grandparent of nvcc found on PATH, then well-known install locations. The
// candidate must be an existing directory, no best guess is ever returned.
func (l *Locator) Locate() (*Toolkit, error) {
	root, err := l.candidate()
	if err != nil {
		return nil, err
	}
	info, err := l.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: inferred path %s is not a directory", ErrNotFound, root)
	}

	tk := &Toolkit{Root: root, OS: l.OS, stat: l.Stat}
	if companion := l.firstEnv("CUDNN_HOME", "CUDNN_PATH"); companion != "" {
		tk.CompanionRoot = companion
	}
	return tk, nil
}

func (l *Locator) firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := l.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func (l *Locator) exists(path string) bool {
	_, err := l.Stat(path)
	return err == nil
}

// firstDir returns the first match of pattern that is a directory
func (l *Locator) firstDir(pattern string) string {
	matches, err := l.Glob(pattern)
	if err != nil {
		return ""
	}
	for _, m := range matches {
		if info, err := l.Stat(m); err == nil && info.IsDir() {
			return m
		}
	}
	return ""
}

func (l *Locator) candidate() (string, error) {
	if root := l.firstEnv("CUDA_HOME", "CUDA_PATH"); root != "" {
		return root, nil
	}

	if nvcc, err := l.LookPath("nvcc"); err == nil {
		return filepath.Dir(filepath.Dir(nvcc)), nil
	}

	if l.OS == "windows" {
		if root := l.firstDir("C:/Program Files/NVIDIA GPU Computing Toolkit/CUDA/v*.*"); root != "" {
			return root, nil
		}
	}

	if l.exists("/usr/local/cuda") {
		return "/usr/local/cuda", nil
	}

	if root := l.firstDir("/opt/nvidia/hpc_sdk/*/*/cuda"); root != "" {
		return root, nil
	}

	nvcompilers := l.Getenv("NVCOMPILERS")
	if nvcompilers == "" {
		nvcompilers = "/opt/nvidia/hpc_sdk"
	}
	if nvarch := l.Getenv("NVARCH"); nvarch != "" {
		if root := l.firstDir(filepath.ToSlash(filepath.Join(nvcompilers, nvarch)) + "/*/cuda"); root != "" {
			return root, nil
		}
	}

	return "", ErrNotFound
}

// Nvcc returns the path of the device compiler.
func (t *Toolkit) Nvcc() string {
	name := "nvcc"
	if t.OS == "windows" {
		name += ".exe"
	}
	return filepath.Join(t.Root, "bin", name)
}

// IncludePaths returns the header directories of the toolkit and the companion library.
func (t *Toolkit) IncludePaths() []string {
	var paths []string
	// Debian/Ubuntu packages put the toolkit in /usr, and gcc dislikes an explicit /usr/include
	if include := filepath.Join(t.Root, "include"); filepath.ToSlash(include) != "/usr/include" {
		paths = append(paths, include)
	}
	if t.CompanionRoot != "" {
		paths = append(paths, filepath.Join(t.CompanionRoot, "include"))
	}
	return paths
}

// LibraryPaths returns the library directories of the toolkit and the
// companion library. On Unix lib64 is preferred, lib is used when only it exists.
func (t *Toolkit) LibraryPaths() []string {
	var libDir string
	if t.OS == "windows" {
		libDir = filepath.Join("lib", "x64")
	} else {
		libDir = "lib64"
		if !t.isDir(filepath.Join(t.Root, libDir)) && t.isDir(filepath.Join(t.Root, "lib")) {
			libDir = "lib"
		}
	}

	paths := []string{filepath.Join(t.Root, libDir)}
	if t.CompanionRoot != "" {
		paths = append(paths, filepath.Join(t.CompanionRoot, libDir))
	}
	return paths
}

func (t *Toolkit) isDir(path string) bool {
	stat := t.stat
	if stat == nil {
		stat = os.Stat
	}
	info, err := stat(path)
	return err == nil && info.IsDir()
}
