package gen

import (
	"bufio"
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

// vcActiveMarker is set by vcvarsall.bat once an MSVC environment is active.
const vcActiveMarker = "VSCMD_ARG_TGT_ARCH"

var platToVcvars = map[string]string{
	"386":   "x86",
	"amd64": "x86_amd64",
	"arm64": "x86_arm64",
}

var errNoVisualStudio = errors.New("no Visual Studio installation with C++ tools found")

// NeedsVCEnv reports whether env lacks an active MSVC toolchain environment on p.
func NeedsVCEnv(p Platform, env []string) bool {
	if !p.IsWindows() {
		return false
	}
	_, ok := envLookup(env, vcActiveMarker)
	return !ok
}

// VCEnv returns base overlaid with the MSVC environment for p. base itself is
// never modified. When an MSVC environment is already active, a copy of base
// is returned as is.
func VCEnv(ctx context.Context, p Platform, base []string) ([]string, error) {
	if !NeedsVCEnv(p, base) {
		return slices.Clone(base), nil
	}

	plat, ok := platToVcvars[p.Arch]
	if !ok {
		return nil, fmt.Errorf("no vcvars platform for architecture %q", p.Arch)
	}

	vcvarsall, err := findVcvarsall(ctx)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, "cmd.exe", "/c", vcvarsall, plat, "&&", "set")
	cmd.Env = base
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to run %s %s: %w", vcvarsall, plat, err)
	}

	return mergeEnv(parseSetOutput(string(out)), base), nil
}

// vcToolsComponent is the setup component that carries the x86/x64 MSVC toolset.
const vcToolsComponent = "Microsoft.VisualStudio.Component.VC.Tools.x86.x64"

// vsInstallation is one Visual Studio instance known to the installer.
type vsInstallation struct {
	Path    string
	Version string
}

// findVcvarsall locates vcvarsall.bat of the newest Visual Studio with C++ tools.
// Instances come from the setup configuration API, vswhere is used when that
// API is unavailable.
func findVcvarsall(ctx context.Context) (string, error) {
	installs, err := setupInstallations()
	if err != nil || len(installs) == 0 {
		if installs, err = vswhereInstallations(ctx); err != nil {
			return "", fmt.Errorf("%w: %v", errNoVisualStudio, err)
		}
	}
	return newestVcvarsall(installs, fileExists)
}

// vswhereInstallations asks vswhere for instances that have the C++ tools.
func vswhereInstallations(ctx context.Context) ([]vsInstallation, error) {
	programFiles := os.Getenv("ProgramFiles(x86)")
	if programFiles == "" {
		programFiles = `C:\Program Files (x86)`
	}
	vswhere := filepath.Join(programFiles, "Microsoft Visual Studio", "Installer", "vswhere.exe")

	cmd := exec.CommandContext(ctx, vswhere,
		"-latest", "-prerelease", "-products", "*",
		"-requires", vcToolsComponent,
		"-property", "installationPath",
	)
	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}

	var installs []vsInstallation
	for line := range strings.Lines(string(out)) {
		if path := strings.TrimSpace(line); path != "" {
			installs = append(installs, vsInstallation{Path: path})
		}
	}
	return installs, nil
}

// newestVcvarsall picks vcvarsall.bat of the highest versioned installation
// that has one. Installations without the C++ tools have no vcvarsall.bat.
func newestVcvarsall(installs []vsInstallation, exists func(string) bool) (string, error) {
	sorted := slices.Clone(installs)
	slices.SortStableFunc(sorted, func(a, b vsInstallation) int {
		return compareVersions(b.Version, a.Version)
	})
	for _, inst := range sorted {
		vcvarsall := filepath.Join(inst.Path, "VC", "Auxiliary", "Build", "vcvarsall.bat")
		if exists(vcvarsall) {
			return vcvarsall, nil
		}
	}
	return "", errNoVisualStudio
}

// compareVersions compares dotted numeric versions such as 17.9.34607.119.
// Missing or malformed parts count as zero.
func compareVersions(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := range max(len(as), len(bs)) {
		var x, y int
		if i < len(as) {
			x, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			y, _ = strconv.Atoi(bs[i])
		}
		if c := cmp.Compare(x, y); c != 0 {
			return c
		}
	}
	return 0
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// parseSetOutput parses the output of `set` into a map with upper-cased keys.
func parseSetOutput(out string) map[string]string {
	env := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		k, v, ok := strings.Cut(line, "=")
		if !ok || k == "" {
			continue
		}
		env[strings.ToUpper(k)] = v
	}
	return env
}

// mergeEnv overlays vc onto base: keys of vc win, the remaining keys of base
// are kept. Keys are compared case-insensitively and the result is sorted.
func mergeEnv(vc map[string]string, base []string) []string {
	merged := make(map[string]string, len(vc)+len(base))
	for k, v := range vc {
		merged[strings.ToUpper(k)] = v
	}
	for _, entry := range base {
		k, v, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		uk := strings.ToUpper(k)
		if _, exists := merged[uk]; !exists {
			merged[uk] = v
		}
	}

	result := make([]string, 0, len(merged))
	for k, v := range merged {
		result = append(result, k+"="+v)
	}
	slices.Sort(result)
	return result
}

func envLookup(env []string, key string) (string, bool) {
	for i := len(env) - 1; i >= 0; i-- {
		k, v, ok := strings.Cut(env[i], "=")
		if ok && strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

// LookPathEnv searches for an executable in the PATH of env instead of the
// current process environment. On Windows the .exe suffix is implied.
func LookPathEnv(file string, env []string, p Platform) (string, error) {
	if filepath.IsAbs(file) {
		if err := findExecutable(file, p); err != nil {
			return "", err
		}
		return file, nil
	}

	path, ok := envLookup(env, "PATH")
	if !ok || path == "" {
		return "", exec.ErrNotFound
	}

	candidates := []string{file}
	if p.IsWindows() && filepath.Ext(file) == "" {
		candidates = append(candidates, file+".exe")
	}

	for _, dir := range filepath.SplitList(path) {
		if dir == "" {
			// unix shell semantics: path element "" means "."
			dir = "."
		}
		for _, name := range candidates {
			full := filepath.Join(dir, name)
			if err := findExecutable(full, p); err == nil {
				return full, nil
			}
		}
	}
	return "", exec.ErrNotFound
}

func findExecutable(file string, p Platform) error {
	d, err := os.Stat(file)
	if err != nil {
		return err
	}
	if d.IsDir() {
		return os.ErrPermission
	}
	if p.IsWindows() || d.Mode()&0o111 != 0 {
		return nil
	}
	return os.ErrPermission
}
