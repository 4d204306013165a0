package gen

import "runtime"

// Platform is the operating system and architecture the graph is synthesized for.
// Windows means the native MSVC toolchain.
type Platform struct {
	OS   string
	Arch string
}

func HostPlatform() Platform { return Platform{OS: runtime.GOOS, Arch: runtime.GOARCH} }

func (p Platform) IsWindows() bool { return p.OS == "windows" }

// ObjectExt returns the object file extension, including the dot.
func (p Platform) ObjectExt() string {
	if p.IsWindows() {
		return ".obj"
	}
	return ".o"
}

func (p Platform) String() string { return p.OS + "/" + p.Arch }
