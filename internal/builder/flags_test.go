package builder

import (
	"slices"
	"testing"

	"github.com/qobs-build/cuext/internal/builder/gen"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	linux   = gen.Platform{OS: "linux", Arch: "amd64"}
	windows = gen.Platform{OS: "windows", Arch: "amd64"}
)

func envFunc(env map[string]string) func(string) string {
	return func(k string) string { return env[k] }
}

func nvccFlags(extra ...string) []string {
	flags := slices.Clone(commonNVCCFlags)
	flags = append(flags, "--compiler-options", "-fPIC")
	return append(flags, extra...)
}

func TestToolchainFor(t *testing.T) {
	tests := []struct {
		path string
		want Toolchain
	}{
		{"a.cpp", Host},
		{"dir/a.cc", Host},
		{"a.c", Host},
		{"k.cu", Device},
		{"k.cuh", Device},
		{"k.cu.cpp", Host},
		{"noext", Host},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, ToolchainFor(tt.path))
		})
	}
}

func TestResolveHostDefaults(t *testing.T) {
	r := &Resolver{Platform: linux, Getenv: envFunc(nil)}
	res, err := r.Resolve(NewCppExtension("m", "a.cpp"))
	require.NoError(t, err)

	assert.Equal(t, []string{"-fPIC"}, res.Host.Cflags)
	assert.Equal(t, []string{"-std=c++14"}, res.Host.PostCflags)
	assert.Empty(t, res.Device.PostCflags)
	assert.Empty(t, res.DeviceLink)
	assert.Equal(t, []string{"-shared"}, res.Ldflags)
	assert.Equal(t, Host, res.Toolchain("a.cpp"))
}

func TestResolveKeepsSingleStandard(t *testing.T) {
	r := &Resolver{Platform: linux, Getenv: envFunc(nil)}
	ext := NewCppExtension("m", "a.cpp")
	ext.ExtraFlags = Uniform{"-Wall", "-std=c++17"}

	res, err := r.Resolve(ext)
	require.NoError(t, err)
	assert.Equal(t, []string{"-Wall", "-std=c++17"}, res.Host.PostCflags)
}

func TestResolveRejectsTwoStandards(t *testing.T) {
	r := &Resolver{Platform: linux, Getenv: envFunc(nil)}
	ext := NewCppExtension("m", "k.cu")
	ext.ExtraFlags = Uniform{"-std=c++17", "-std=c++20"}

	_, err := r.Resolve(ext)
	require.ErrorIs(t, err, ErrFlagConflict)
}

func TestResolveDeviceFlags(t *testing.T) {
	r := &Resolver{Platform: linux, Getenv: envFunc(map[string]string{"CC": "gcc-11"})}
	ext := NewCppExtension("m", "a.cpp", "k.cu")
	ext.ExtraFlags = PerToolchain{Host: {"-O2"}, Device: {"-lineinfo"}}

	res, err := r.Resolve(ext)
	require.NoError(t, err)

	assert.Equal(t, []string{"-O2", "-std=c++14"}, res.Host.PostCflags)
	assert.Equal(t, nvccFlags("-lineinfo", "-ccbin", "gcc-11", "-std=c++14"), res.Device.PostCflags)
	assert.Equal(t, Device, res.Toolchain("k.cu"))

	srcs := res.Sources()
	assert.Equal(t, res.Host, srcs["a.cpp"])
	assert.Equal(t, res.Device, srcs["k.cu"])
}

func TestResolveKeepsExplicitBinder(t *testing.T) {
	r := &Resolver{Platform: linux, Getenv: envFunc(map[string]string{"CC": "gcc-11"})}
	for _, binder := range [][]string{{"-ccbin", "clang"}, {"--compiler-bindir=/usr/bin/gcc"}} {
		ext := NewCppExtension("m", "k.cu")
		ext.ExtraFlags = Uniform(binder)

		res, err := r.Resolve(ext)
		require.NoError(t, err)
		assert.Equal(t, nvccFlags(append(slices.Clone(binder), "-std=c++14")...), res.Device.PostCflags)
	}
}

func TestResolvePerToolchainMissingKey(t *testing.T) {
	r := &Resolver{Platform: linux, Getenv: envFunc(nil)}

	ext := NewCppExtension("m", "a.cpp", "k.cu")
	ext.ExtraFlags = PerToolchain{Host: {"-Wall"}}
	_, err := r.Resolve(ext)
	require.ErrorIs(t, err, ErrFlagConflict)

	// a missing key is fine if no source needs it
	ext = NewCppExtension("m", "k.cu")
	ext.ExtraFlags = PerToolchain{Device: {"-lineinfo"}}
	_, err = r.Resolve(ext)
	require.NoError(t, err)
}

func TestResolveDoesNotMutateExtension(t *testing.T) {
	r := &Resolver{Platform: linux, Getenv: envFunc(map[string]string{"CC": "gcc"})}
	ext := NewCppExtension("m", "a.cpp", "k.cu")
	ext.ExtraFlags = Uniform{"-Wall"}
	ext.DeviceLinkLibraries = []string{"foo"}
	before := ext.Clone()

	_, err := r.Resolve(ext)
	require.NoError(t, err)
	assert.Equal(t, before, ext)
}

func TestResolveOptLevelAndDefines(t *testing.T) {
	r := &Resolver{Platform: linux, Getenv: envFunc(nil), OptLevel: "3"}
	ext := NewCppExtension("m", "a.cpp")
	ext.IncludeDirs = []string{"/inc"}
	ext.Defines = map[string]string{"B": "2", "A": ""}

	res, err := r.Resolve(ext)
	require.NoError(t, err)
	assert.Equal(t, []string{"-fPIC", "-O3", "-I/inc", "-DA", "-DB=2"}, res.Host.Cflags)
}

func TestResolveDeviceLink(t *testing.T) {
	r := &Resolver{Platform: linux, Getenv: envFunc(nil)}
	ext := NewCppExtension("m", "a.cpp", "k.cu")
	ext.LibraryDirs = []string{"/opt/lib"}
	ext.Libraries = []string{"cudart"}
	ext.DeviceLinkLibraries = []string{"foo"}
	ext.DeviceLinkFlags = []string{"-Xnvlink", "--verbose"}

	res, err := r.Resolve(ext)
	require.NoError(t, err)
	assert.Equal(t, nvccFlags("-Xnvlink", "--verbose", "-dlink", "-L/opt/lib", "-lfoo"), res.DeviceLink)
	assert.Equal(t, []string{"-shared", "-L/opt/lib", "-lcudart"}, res.Ldflags)
}

func TestResolveWindows(t *testing.T) {
	r := &Resolver{Platform: windows, Getenv: envFunc(nil), OptLevel: "2"}
	ext := NewCppExtension("m", "a.cpp", "k.cu")
	ext.Defines = map[string]string{"MSG": "a b"}
	ext.LibraryDirs = []string{`C:\lib`}
	ext.Libraries = []string{"cudart"}

	res, err := r.Resolve(ext)
	require.NoError(t, err)

	wantHost := append([]string{"/nologo", "/W3", "/DNDEBUG", "/O2"}, commonMSVCFlags...)
	wantHost = append(wantHost, "-DMSG=a b")
	assert.Equal(t, wantHost, res.Host.Cflags)
	assert.Equal(t, []string{"/std:c++14"}, res.Host.PostCflags)

	require.NotEmpty(t, res.Device.Cflags)
	assert.Equal(t, "--use-local-env", res.Device.Cflags[0])
	assert.Contains(t, res.Device.Cflags, "--diag_suppress=field_without_dll_interface")
	assert.NotContains(t, res.Device.PostCflags, "-fPIC")
	assert.Equal(t, "-std=c++14", res.Device.PostCflags[len(res.Device.PostCflags)-1])

	assert.Equal(t, []string{"/DLL", `/LIBPATH:C:\lib`, "cudart.lib"}, res.Ldflags)

	q := res.Quoted()
	assert.Contains(t, q.Cflags, `"-DMSG=a b"`)
	assert.Contains(t, q.Cflags, "/nologo")
}

func TestQuotedPosix(t *testing.T) {
	r := &Resolver{Platform: linux, Getenv: envFunc(nil)}
	ext := NewCppExtension("m", "a.cpp")
	ext.Defines = map[string]string{"MSG": "a b"}

	res, err := r.Resolve(ext)
	require.NoError(t, err)
	assert.Equal(t, []string{"-fPIC", `'-DMSG=a b'`}, res.Quoted().Cflags)
}

func TestResolveNoSources(t *testing.T) {
	r := &Resolver{Platform: linux}
	_, err := r.Resolve(&Extension{Name: "m"})
	require.ErrorIs(t, err, ErrNoSources)
}
