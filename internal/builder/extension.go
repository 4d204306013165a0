package builder

import (
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"strings"

	"github.com/qobs-build/cuext/internal/toolkit"
)

var (
	ErrNoSources    = errors.New("extension has no sources")
	ErrFlagConflict = errors.New("conflicting compiler flags")
)

// Toolchain is the compiler family that owns a source file.
type Toolchain int

const (
	Host Toolchain = iota
	Device
)

func (t Toolchain) String() string {
	switch t {
	case Host:
		return "host"
	case Device:
		return "device"
	default:
		return fmt.Sprintf("Toolchain(%d)", int(t))
	}
}

// ParseToolchain parses a toolchain id as used in flag mappings.
func ParseToolchain(id string) (Toolchain, error) {
	switch id {
	case "host":
		return Host, nil
	case "device":
		return Device, nil
	default:
		return 0, fmt.Errorf("%w: unknown toolchain %q, expected \"host\" or \"device\"", ErrFlagConflict, id)
	}
}

var deviceExtensions = []string{".cu", ".cuh"}

// ToolchainFor assigns a source file to the device compiler when it has a CUDA
// extension, to the host compiler otherwise.
func ToolchainFor(path string) Toolchain {
	if slices.Contains(deviceExtensions, filepath.Ext(path)) {
		return Device
	}
	return Host
}

// FlagInput is the caller's extra compile flags: either Uniform or PerToolchain.
type FlagInput interface {
	flagsFor(t Toolchain) ([]string, error)
	clone() FlagInput
}

// Uniform flags are passed to every compiler.
type Uniform []string

func (u Uniform) flagsFor(Toolchain) ([]string, error) { return slices.Clone([]string(u)), nil }
func (u Uniform) clone() FlagInput                      { return slices.Clone(u) }

// PerToolchain flags are looked up by the toolchain of each source.
type PerToolchain map[Toolchain][]string

func (p PerToolchain) flagsFor(t Toolchain) ([]string, error) {
	flags, ok := p[t]
	if !ok {
		return nil, fmt.Errorf("%w: no %s flags given in per-toolchain flags", ErrFlagConflict, t)
	}
	return slices.Clone(flags), nil
}

func (p PerToolchain) clone() FlagInput {
	c := make(PerToolchain, len(p))
	for k, v := range p {
		c[k] = slices.Clone(v)
	}
	return c
}

// Extension describes one artifact to build from a list of sources.
type Extension struct {
	Name        string
	Sources     []string
	IncludeDirs []string
	LibraryDirs []string
	Libraries   []string
	// Defines become -D (or /D) flags. An empty value defines the bare name.
	Defines    map[string]string
	ExtraFlags FlagInput
	// DeviceLinkFlags are extra flags for the device link pass.
	DeviceLinkFlags     []string
	DeviceLink          bool
	DeviceLinkLibraries []string
	// LinkTarget is the artifact file name inside the build directory. Empty
	// means only object files are produced.
	LinkTarget string
}

// NewCppExtension returns an extension built with the host compiler only.
func NewCppExtension(name string, sources ...string) *Extension {
	return &Extension{Name: name, Sources: sources}
}

// NewCudaExtension returns an extension with the toolkit's include and
// library directories and the CUDA runtime already added.
func NewCudaExtension(tk *toolkit.Toolkit, name string, sources ...string) *Extension {
	return &Extension{
		Name:        name,
		Sources:     sources,
		IncludeDirs: tk.IncludePaths(),
		LibraryDirs: tk.LibraryPaths(),
		Libraries:   []string{"cudart"},
	}
}

// WithDeviceLink reports whether a device link pass is needed.
func (e *Extension) WithDeviceLink() bool {
	return e.DeviceLink || len(e.DeviceLinkLibraries) > 0
}

// HasDeviceSources reports whether any source goes to the device compiler.
func (e *Extension) HasDeviceSources() bool {
	for _, src := range e.Sources {
		if ToolchainFor(src) == Device {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of e.
func (e *Extension) Clone() *Extension {
	c := *e
	c.Sources = slices.Clone(e.Sources)
	c.IncludeDirs = slices.Clone(e.IncludeDirs)
	c.LibraryDirs = slices.Clone(e.LibraryDirs)
	c.Libraries = slices.Clone(e.Libraries)
	c.Defines = maps.Clone(e.Defines)
	c.DeviceLinkFlags = slices.Clone(e.DeviceLinkFlags)
	c.DeviceLinkLibraries = slices.Clone(e.DeviceLinkLibraries)
	if e.ExtraFlags != nil {
		c.ExtraFlags = e.ExtraFlags.clone()
	}
	return &c
}

// Normalize validates e and returns a copy with all paths made absolute
// relative to basedir. e is left untouched.
func (e *Extension) Normalize(basedir string) (*Extension, error) {
	if len(e.Sources) == 0 {
		return nil, ErrNoSources
	}
	if strings.TrimSpace(e.Name) == "" {
		return nil, errors.New("extension has no name")
	}

	basedir, err := filepath.Abs(basedir)
	if err != nil {
		return nil, err
	}

	n := e.Clone()
	for _, paths := range [][]string{n.Sources, n.IncludeDirs, n.LibraryDirs} {
		for i, p := range paths {
			if !filepath.IsAbs(p) {
				p = filepath.Join(basedir, p)
			}
			paths[i] = filepath.Clean(p)
		}
	}
	return n, nil
}
