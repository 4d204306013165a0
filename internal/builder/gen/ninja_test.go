package gen

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hostNinja = `ninja_required_version = 1.3
cxx = c++

cflags = -fPIC
post_cflags = -std=c++14
ldflags = -shared

rule compile
  command = $cxx -MMD -MF $out.d $cflags -c $in -o $out $post_cflags
  description = CXX $out
  depfile = $out.d
  deps = gcc

rule link
  command = $cxx $in $ldflags -o $out
  description = LINK $out

build /build/a.o: compile /src/a.cpp
build lib.so: link /build/a.o

default lib.so
`

func TestNinjaHostOnly(t *testing.T) {
	out, err := (&NinjaGen{}).Generate(hostPlan())
	require.NoError(t, err)
	assert.Equal(t, hostNinja, out)
	assert.NotContains(t, out, "cuda_compile")
	assert.NotContains(t, out, "nvcc")
}

func TestNinjaCudaDevlink(t *testing.T) {
	out, err := (&NinjaGen{}).Generate(cudaPlan())
	require.NoError(t, err)

	for _, line := range []string{
		"nvcc = /usr/local/cuda/bin/nvcc",
		"cuda_post_cflags = --compiler-options -fPIC -std=c++14",
		"cuda_dlink_post_cflags = -dlink -L/opt/lib -lfoo",
		"rule cuda_compile",
		"  command = $nvcc $cuda_cflags -c $in -o $out $cuda_post_cflags",
		"rule cuda_devlink",
		"  command = $nvcc $in -o $out $cuda_dlink_post_cflags",
		"build /build/k.o: cuda_compile /src/k.cu",
		"build /build/dlink.o: cuda_devlink /build/k.o",
		"build lib.so: link /build/a.o /build/k.o /build/dlink.o",
	} {
		assert.Contains(t, strings.Split(out, "\n"), line)
	}

	// device compiles have no depfile
	block := out[strings.Index(out, "rule cuda_compile"):]
	block = block[:strings.Index(block, "\n\n")]
	assert.NotContains(t, block, "depfile")
}

func TestNinjaIsDeterministic(t *testing.T) {
	g := &NinjaGen{}
	first, err := g.Generate(cudaPlan())
	require.NoError(t, err)
	for range 5 {
		again, err := g.Generate(cudaPlan())
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestNinjaEscaping(t *testing.T) {
	p := hostPlan()
	p.Units = []Unit{{Src: "/my src/a$b.cpp", Obj: "/build/a.o"}}
	p.Flags.Cflags = []string{"-DPRICE=$5"}

	out, err := (&NinjaGen{}).Generate(p)
	require.NoError(t, err)
	assert.Contains(t, out, "build /build/a.o: compile /my$ src/a$$b.cpp\n")
	assert.Contains(t, out, "cflags = -DPRICE=$$5\n")
}

func TestNinjaWindowsLink(t *testing.T) {
	p := &Plan{
		Platform:   windows,
		Cxx:        "cl",
		Linker:     `C:\VC\bin\link.exe`,
		Flags:      Flags{Cflags: []string{"/nologo"}, PostCflags: []string{"/std:c++14"}, Ldflags: []string{"/DLL"}},
		Units:      []Unit{{Src: `C:\src\a.cpp`, Obj: `C:\build\a.obj`}},
		LinkTarget: "m.dll",
	}

	out, err := (&NinjaGen{}).Generate(p)
	require.NoError(t, err)
	assert.Contains(t, out, "linker = C:\\VC\\bin\\link.exe\n")
	assert.Contains(t, out, "  command = \"$cxx\" /showIncludes $cflags -c $in /Fo$out $post_cflags\n  description = CXX $out\n  deps = msvc\n")
	assert.Contains(t, out, `  command = "$linker" $in /nologo $ldflags /out:$out`)
	assert.Contains(t, out, "build C$:\\build\\a.obj: compile C$:\\src\\a.cpp\n")
	assert.Contains(t, out, "build m.dll: link C$:\\build\\a.obj\n")
}

func TestNinjaWindowsProgramFilesToolkit(t *testing.T) {
	p := &Plan{
		Platform: windows,
		Cxx:      `C:\Program Files\Microsoft Visual Studio\2022\VC\bin\cl.exe`,
		Nvcc:     `C:\Program Files\NVIDIA GPU Computing Toolkit\CUDA\v12.4\bin\nvcc.exe`,
		Linker:   `C:\Program Files\Microsoft Visual Studio\2022\VC\bin\link.exe`,
		Flags:    Flags{CudaDlinkPostCflags: []string{"-dlink"}},
		Units: []Unit{
			{Src: `C:\src\a.cpp`, Obj: `C:\build\a.obj`},
			{Src: `C:\src\k.cu`, Obj: `C:\build\k.obj`, Device: true},
		},
		DeviceLink: true,
		LinkTarget: "m.pyd",
	}

	out, err := (&NinjaGen{}).Generate(p)
	require.NoError(t, err)
	assert.Contains(t, out, "nvcc = C:\\Program Files\\NVIDIA GPU Computing Toolkit\\CUDA\\v12.4\\bin\\nvcc.exe\n")
	assert.Contains(t, out, `  command = "$cxx" /showIncludes $cflags -c $in /Fo$out $post_cflags`)
	assert.Contains(t, out, `  command = "$nvcc" $cuda_cflags -c $in -o $out $cuda_post_cflags`)
	assert.Contains(t, out, `  command = "$nvcc" $in -o $out $cuda_dlink_post_cflags`)
	assert.Contains(t, out, `  command = "$linker" $in /nologo $ldflags /out:$out`)
	assert.NotContains(t, out, "command = $nvcc")
	assert.NotContains(t, out, "command = $cxx")
}

func TestNinjaQuotesNvccWithSpaces(t *testing.T) {
	p := cudaPlan()
	p.Nvcc = "/opt/cuda toolkit/bin/nvcc"

	out, err := (&NinjaGen{}).Generate(p)
	require.NoError(t, err)
	assert.Contains(t, out, "nvcc = '/opt/cuda toolkit/bin/nvcc'\n")
	assert.Contains(t, out, "  command = $nvcc $cuda_cflags -c $in -o $out $cuda_post_cflags\n")
}

func TestNinjaRejectsInvalidPlan(t *testing.T) {
	p := hostPlan()
	p.Units = nil
	_, err := (&NinjaGen{}).Generate(p)
	require.ErrorIs(t, err, ErrNoUnits)
}

func fakeNinja(t *testing.T, script string) *NinjaGen {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "ninja")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return &NinjaGen{Binary: path}
}

func TestNinjaInvokeFailurePreservesOutput(t *testing.T) {
	g := fakeNinja(t, "echo 'FAILED: a.o'\necho 'a.cpp:1: error: boom' >&2\nexit 1\n")

	err := g.Invoke(context.Background(), t.TempDir(), InvokeOptions{Target: "m"})
	require.ErrorIs(t, err, ErrBuildFailed)

	var failed *BuildFailedError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, "m", failed.Target)
	assert.Equal(t, "FAILED: a.o\na.cpp:1: error: boom\n", failed.Output)
	assert.Contains(t, err.Error(), "error compiling objects for extension m")
}

func TestNinjaInvokeArgs(t *testing.T) {
	g := fakeNinja(t, "echo \"$@\"\npwd\n")
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	var stdout bytes.Buffer
	err = g.Invoke(context.Background(), dir, InvokeOptions{Verbose: true, Jobs: 3, Stdout: &stdout})
	require.NoError(t, err)
	assert.Equal(t, "  -v -j 3\n  "+dir+"\n", stdout.String())

	stdout.Reset()
	err = g.Invoke(context.Background(), dir, InvokeOptions{Stdout: &stdout})
	require.NoError(t, err)
	assert.Empty(t, stdout.String(), "output is only streamed in verbose mode")

	stdout.Reset()
	err = g.Invoke(context.Background(), dir, InvokeOptions{Verbose: true, Jobs: JobsUnlimited, Stdout: &stdout})
	require.NoError(t, err)
	assert.Equal(t, "  -v -j 0\n  "+dir+"\n", stdout.String())
}

func TestNinjaInvokeMissingBinary(t *testing.T) {
	g := &NinjaGen{Binary: filepath.Join(t.TempDir(), "no-ninja")}
	err := g.Invoke(context.Background(), t.TempDir(), InvokeOptions{})
	require.ErrorIs(t, err, ErrBuildFailed)
}
