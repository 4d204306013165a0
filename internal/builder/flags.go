package builder

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/alessio/shellescape"
	"github.com/qobs-build/cuext/internal/builder/gen"
)

const defaultCxxStandard = "c++14"

var commonMSVCFlags = []string{"/MD", "/wd4819", "/wd4251", "/wd4244", "/wd4267", "/wd4275", "/wd4018", "/wd4190", "/EHsc"}

var msvcIgnoreCudafeWarnings = []string{
	"base_class_has_different_dll_interface",
	"field_without_dll_interface",
	"dll_interface_conflict_none_assumed",
	"dll_interface_conflict_dllexport_assumed",
}

// commonNVCCFlags keep the half/bfloat16 operators from clashing with host
// definitions and allow constexpr host functions in device code.
var commonNVCCFlags = []string{
	"-D__CUDA_NO_HALF_OPERATORS__",
	"-D__CUDA_NO_HALF_CONVERSIONS__",
	"-D__CUDA_NO_BFLOAT16_CONVERSIONS__",
	"-D__CUDA_NO_HALF2_OPERATORS__",
	"--expt-relaxed-constexpr",
}

// FlagSet is what one compiler invocation gets. PostCflags come after the
// input and output arguments.
type FlagSet struct {
	Cflags     []string
	PostCflags []string
}

// Resolution is the outcome of flag resolution for one extension. The flags
// are not quoted yet, see Quoted.
type Resolution struct {
	Platform   gen.Platform
	Host       FlagSet
	Device     FlagSet
	DeviceLink []string
	Ldflags    []string
	toolchains map[string]Toolchain
}

// Toolchain returns the toolchain assigned to src.
func (r *Resolution) Toolchain(src string) Toolchain { return r.toolchains[src] }

// Sources maps every source to the flags it is compiled with.
func (r *Resolution) Sources() map[string]FlagSet {
	m := make(map[string]FlagSet, len(r.toolchains))
	for src, tc := range r.toolchains {
		if tc == Device {
			m[src] = r.Device
		} else {
			m[src] = r.Host
		}
	}
	return m
}

// Quoted returns the graph flag variables quoted for the platform's shell.
func (r *Resolution) Quoted() gen.Flags {
	q := quoteArgs
	if r.Platform.IsWindows() {
		q = ntQuoteArgs
	}
	return gen.Flags{
		Cflags:              q(r.Host.Cflags),
		PostCflags:          q(r.Host.PostCflags),
		CudaCflags:          q(r.Device.Cflags),
		CudaPostCflags:      q(r.Device.PostCflags),
		CudaDlinkPostCflags: q(r.DeviceLink),
		Ldflags:             q(r.Ldflags),
	}
}

func quoteArgs(args []string) []string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellescape.Quote(a)
	}
	return quoted
}

// ntQuoteArgs wraps every argument containing blanks in double quotes.
func ntQuoteArgs(args []string) []string {
	quoted := make([]string, len(args))
	for i, a := range args {
		if strings.ContainsAny(a, " \t") {
			a = `"` + a + `"`
		}
		quoted[i] = a
	}
	return quoted
}

// Resolver computes per-toolchain compiler flags for a platform.
type Resolver struct {
	Platform gen.Platform
	// Getenv reads CC, os.Getenv when nil.
	Getenv func(string) string
	// OptLevel is the profile's optimization level, "" adds no flag.
	OptLevel string
}

func (r *Resolver) getenv(key string) string {
	if r.Getenv == nil {
		return os.Getenv(key)
	}
	return r.Getenv(key)
}

func (r *Resolver) stdPrefix(tc Toolchain) string {
	if r.Platform.IsWindows() && tc == Host {
		return "/std:"
	}
	return "-std="
}

// appendStdIfMissing adds the default language standard unless flags
// already has one. nvcc refuses more than one -std.
func (r *Resolver) appendStdIfMissing(flags []string, tc Toolchain) ([]string, error) {
	prefix := r.stdPrefix(tc)
	var found []string
	for _, f := range flags {
		if strings.HasPrefix(f, prefix) {
			found = append(found, f)
		}
	}
	switch len(found) {
	case 0:
		return append(flags, prefix+defaultCxxStandard), nil
	case 1:
		return flags, nil
	default:
		return nil, fmt.Errorf("%w: %s flags allow only one standard, got %s", ErrFlagConflict, tc, strings.Join(found, ", "))
	}
}

// deviceArchFlags would pick -gencode flags for the installed GPUs. Detection
// is not implemented: callers must pass explicit -arch/-gencode flags or rely
// on nvcc's default architecture.
func deviceArchFlags([]string) []string {
	return nil
}

// appendBinder adds -ccbin $CC unless the caller already selected a host binder.
func (r *Resolver) appendBinder(flags []string) []string {
	cc := r.getenv("CC")
	if cc == "" {
		return flags
	}
	for _, f := range flags {
		if strings.HasPrefix(f, "-ccbin") || strings.HasPrefix(f, "--compiler-bindir") {
			return flags
		}
	}
	return append(flags, "-ccbin", cc)
}

// deviceFlags wraps caller device flags with the mandatory nvcc flags
func (r *Resolver) deviceFlags(user []string) []string {
	flags := slices.Clone(commonNVCCFlags)
	if !r.Platform.IsWindows() {
		flags = append(flags, "--compiler-options", "-fPIC")
	}
	flags = append(flags, user...)
	flags = append(flags, deviceArchFlags(user)...)
	return r.appendBinder(flags)
}

func (r *Resolver) optFlag(tc Toolchain) []string {
	if r.OptLevel == "" {
		return nil
	}
	if r.Platform.IsWindows() && tc == Host {
		if r.OptLevel == "0" {
			return []string{"/Od"}
		}
		return []string{"/O2"}
	}
	return []string{"-O" + r.OptLevel}
}

func preprocessorFlags(ext *Extension) []string {
	var flags []string
	for _, dir := range ext.IncludeDirs {
		flags = append(flags, "-I"+dir)
	}
	keys := make([]string, 0, len(ext.Defines))
	for k := range ext.Defines {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if v := ext.Defines[k]; v != "" {
			flags = append(flags, "-D"+k+"="+v)
		} else {
			flags = append(flags, "-D"+k)
		}
	}
	return flags
}

func (r *Resolver) ldflags(ext *Extension) []string {
	var flags []string
	if r.Platform.IsWindows() {
		flags = append(flags, "/DLL")
		for _, dir := range ext.LibraryDirs {
			flags = append(flags, "/LIBPATH:"+dir)
		}
		for _, lib := range ext.Libraries {
			flags = append(flags, lib+".lib")
		}
		return flags
	}

	flags = append(flags, "-shared")
	for _, dir := range ext.LibraryDirs {
		flags = append(flags, "-L"+dir)
	}
	for _, lib := range ext.Libraries {
		flags = append(flags, "-l"+lib)
	}
	return flags
}

// Resolve assigns a toolchain to every source and computes the flags of each
// toolchain. ext is never modified.
func (r *Resolver) Resolve(ext *Extension) (*Resolution, error) {
	if len(ext.Sources) == 0 {
		return nil, ErrNoSources
	}
	ext = ext.Clone()

	extra := ext.ExtraFlags
	if extra == nil {
		extra = Uniform(nil)
	}

	res := &Resolution{
		Platform:   r.Platform,
		toolchains: make(map[string]Toolchain, len(ext.Sources)),
	}
	withDevice := false
	for _, src := range ext.Sources {
		tc := ToolchainFor(src)
		res.toolchains[src] = tc
		withDevice = withDevice || tc == Device
	}

	pp := preprocessorFlags(ext)
	win := r.Platform.IsWindows()

	// host
	hostUser, err := extra.flagsFor(Host)
	if err != nil && hasToolchain(res.toolchains, Host) {
		return nil, err
	}
	if win {
		res.Host.Cflags = append([]string{"/nologo", "/W3", "/DNDEBUG"}, r.optFlag(Host)...)
		res.Host.Cflags = append(res.Host.Cflags, commonMSVCFlags...)
	} else {
		res.Host.Cflags = append([]string{"-fPIC"}, r.optFlag(Host)...)
	}
	res.Host.Cflags = append(res.Host.Cflags, pp...)
	if res.Host.PostCflags, err = r.appendStdIfMissing(hostUser, Host); err != nil {
		return nil, err
	}

	// device
	if withDevice {
		devUser, err := extra.flagsFor(Device)
		if err != nil {
			return nil, err
		}
		if win {
			res.Device.Cflags = []string{"--use-local-env"}
			for _, f := range commonMSVCFlags {
				res.Device.Cflags = append(res.Device.Cflags, "-Xcompiler", f)
			}
			for _, w := range msvcIgnoreCudafeWarnings {
				res.Device.Cflags = append(res.Device.Cflags, "-Xcudafe", "--diag_suppress="+w)
			}
		}
		res.Device.Cflags = append(res.Device.Cflags, r.optFlag(Device)...)
		res.Device.Cflags = append(res.Device.Cflags, pp...)
		if res.Device.PostCflags, err = r.appendStdIfMissing(r.deviceFlags(devUser), Device); err != nil {
			return nil, err
		}
	}

	if ext.WithDeviceLink() {
		dlink := slices.Clone(ext.DeviceLinkFlags)
		dlink = append(dlink, "-dlink")
		for _, dir := range ext.LibraryDirs {
			dlink = append(dlink, "-L"+dir)
		}
		for _, lib := range ext.DeviceLinkLibraries {
			dlink = append(dlink, "-l"+lib)
		}
		res.DeviceLink = r.deviceFlags(dlink)
	}

	res.Ldflags = r.ldflags(ext)
	return res, nil
}

func hasToolchain(m map[string]Toolchain, tc Toolchain) bool {
	for _, t := range m {
		if t == tc {
			return true
		}
	}
	return false
}
