package builder

import (
	"path/filepath"

	"github.com/qobs-build/cuext/internal/builder/gen"
)

var commonCxxCompilers = []string{"c++", "clang++", "g++", "icpx", "icpc"}

// findHostCompiler returns the host C++ compiler: $CXX if set, cl on
// Windows, otherwise the first common C++ compiler found on the PATH of env.
// It falls back to plain c++ so the compiler's own error surfaces from the build.
func findHostCompiler(p gen.Platform, getenv func(string) string, env []string) string {
	if cxx := getenv("CXX"); cxx != "" {
		return cxx
	}
	if p.IsWindows() {
		return "cl"
	}

	for _, compiler := range commonCxxCompilers {
		if path, err := gen.LookPathEnv(compiler, env, p); err == nil {
			return path
		}
	}
	return "c++"
}

// findLinker returns link.exe next to the host compiler. The linker is only
// needed on Windows, it is an error if the host compiler cannot be found there.
func findLinker(p gen.Platform, cxx string, env []string) (string, error) {
	if !p.IsWindows() {
		return "", nil
	}
	cl, err := gen.LookPathEnv(cxx, env, p)
	if err != nil {
		return "", gen.ErrHostCompilerNotFound
	}
	return filepath.Join(filepath.Dir(cl), "link.exe"), nil
}
