package gen

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/alessio/shellescape"
)

// Rule names used in the build graph.
const (
	RuleCompile     = "compile"
	RuleCudaCompile = "cuda_compile"
	RuleCudaDevlink = "cuda_devlink"
	RuleLink        = "link"
)

// Unit is a single translation unit and the object file it compiles to
type Unit struct {
	Src    string
	Obj    string
	Device bool
}

// Flags holds the flag variables of the graph. Every element is already
// quoted for the shell of the target platform.
type Flags struct {
	Cflags              []string
	PostCflags          []string
	CudaCflags          []string
	CudaPostCflags      []string
	CudaDlinkPostCflags []string
	Ldflags             []string
}

// Plan is everything a generator needs to compile and link one extension.
type Plan struct {
	Platform Platform
	Cxx      string
	Nvcc     string
	// Linker is the absolute path of link.exe, only used on Windows.
	Linker     string
	Flags      Flags
	Units      []Unit
	DeviceLink bool
	// LinkTarget is the artifact to link. Empty means objects only.
	LinkTarget string
}

// Variable is a top-level `name = value` binding of the graph. Value is not
// escaped for ninja.
type Variable struct {
	Name  string
	Value string
}

type Rule struct {
	Name        string
	Command     string
	Description string
	Depfile     string
	Deps        string
}

type Edge struct {
	Outputs []string
	Rule    string
	Inputs  []string
}

// Validate checks the structural invariants of the plan.
func (p *Plan) Validate() error {
	if len(p.Units) == 0 {
		return ErrNoUnits
	}
	seen := make(map[string]string, len(p.Units))
	for _, u := range p.Units {
		if prev, ok := seen[u.Obj]; ok {
			return fmt.Errorf("%w: %s and %s both produce %s", ErrDuplicateObject, prev, u.Src, u.Obj)
		}
		seen[u.Obj] = u.Src
	}
	if (p.HasDevice() || p.DeviceLink) && p.Nvcc == "" {
		return ErrNoDeviceCompiler
	}
	if p.DeviceLink {
		if src, ok := seen[p.DeviceLinkObject()]; ok {
			return fmt.Errorf("%w: %s collides with the device link object", ErrDuplicateObject, src)
		}
	}
	if p.Platform.IsWindows() && p.LinkTarget != "" && p.Linker == "" {
		return ErrHostCompilerNotFound
	}
	return nil
}

// HasDevice reports whether any unit is compiled by the device compiler.
func (p *Plan) HasDevice() bool {
	for _, u := range p.Units {
		if u.Device {
			return true
		}
	}
	return false
}

// Objects returns the object files of all units in source order.
func (p *Plan) Objects() []string {
	objs := make([]string, len(p.Units))
	for i, u := range p.Units {
		objs[i] = u.Obj
	}
	return objs
}

// DeviceLinkObject is the output of the device link pass. It lives next to
// the first object file.
func (p *Plan) DeviceLinkObject() string {
	return filepath.Join(filepath.Dir(p.Units[0].Obj), "dlink"+p.Platform.ObjectExt())
}

// Outputs returns every object file the plan produces, including the device
// link object.
func (p *Plan) Outputs() []string {
	objs := p.Objects()
	if p.DeviceLink {
		objs = append(objs, p.DeviceLinkObject())
	}
	return objs
}

func (p *Plan) deviceObjects() []string {
	var objs []string
	for _, u := range p.Units {
		if u.Device {
			objs = append(objs, u.Obj)
		}
	}
	if len(objs) == 0 {
		// linking against static device libraries only
		return p.Objects()
	}
	return objs
}

func joinFlags(flags []string) string {
	trimmed := make([]string, 0, len(flags))
	for _, f := range flags {
		if f = strings.TrimSpace(f); f != "" {
			trimmed = append(trimmed, f)
		}
	}
	return strings.Join(trimmed, " ")
}

// toolPath prepares a located tool path for use as a command word. Windows
// rules quote the word themselves, elsewhere the path is shell quoted.
func (p *Plan) toolPath(path string) string {
	if p.Platform.IsWindows() {
		return path
	}
	return shellescape.Quote(path)
}

// Variables returns the top-level bindings in emission order.
func (p *Plan) Variables() []Variable {
	// 1.3 is required for the `deps` directive
	vars := []Variable{
		{"ninja_required_version", "1.3"},
		{"cxx", p.Cxx},
	}
	withCuda := p.HasDevice() || p.DeviceLink
	if withCuda {
		vars = append(vars, Variable{"nvcc", p.toolPath(p.Nvcc)})
	}
	if p.Platform.IsWindows() && p.LinkTarget != "" {
		vars = append(vars, Variable{"linker", p.Linker})
	}

	vars = append(vars,
		Variable{"cflags", joinFlags(p.Flags.Cflags)},
		Variable{"post_cflags", joinFlags(p.Flags.PostCflags)},
	)
	if p.HasDevice() {
		vars = append(vars,
			Variable{"cuda_cflags", joinFlags(p.Flags.CudaCflags)},
			Variable{"cuda_post_cflags", joinFlags(p.Flags.CudaPostCflags)},
		)
	}
	if p.DeviceLink {
		vars = append(vars, Variable{"cuda_dlink_post_cflags", joinFlags(p.Flags.CudaDlinkPostCflags)})
	}
	vars = append(vars, Variable{"ldflags", joinFlags(p.Flags.Ldflags)})
	return vars
}

// Rules returns the rules the plan needs, in emission order.
func (p *Plan) Rules() []Rule {
	var rules []Rule
	if p.Platform.IsWindows() {
		rules = append(rules, Rule{
			Name:        RuleCompile,
			Command:     `"$cxx" /showIncludes $cflags -c $in /Fo$out $post_cflags`,
			Description: "CXX $out",
			Deps:        "msvc",
		})
	} else {
		rules = append(rules, Rule{
			Name:        RuleCompile,
			Command:     "$cxx -MMD -MF $out.d $cflags -c $in -o $out $post_cflags",
			Description: "CXX $out",
			Depfile:     "$out.d",
			Deps:        "gcc",
		})
	}

	nvcc := "$nvcc"
	if p.Platform.IsWindows() {
		nvcc = `"$nvcc"`
	}

	// nvcc has no depfile mode here, device sources are always considered for recompilation
	if p.HasDevice() {
		rules = append(rules, Rule{
			Name:        RuleCudaCompile,
			Command:     nvcc + " $cuda_cflags -c $in -o $out $cuda_post_cflags",
			Description: "NVCC $out",
		})
	}
	if p.DeviceLink {
		rules = append(rules, Rule{
			Name:        RuleCudaDevlink,
			Command:     nvcc + " $in -o $out $cuda_dlink_post_cflags",
			Description: "DLINK $out",
		})
	}
	if p.LinkTarget != "" {
		link := Rule{Name: RuleLink, Description: "LINK $out"}
		if p.Platform.IsWindows() {
			link.Command = `"$linker" $in /nologo $ldflags /out:$out`
		} else {
			link.Command = "$cxx $in $ldflags -o $out"
		}
		rules = append(rules, link)
	}
	return rules
}

// Edges returns one edge per unit in source order, then the optional device
// link edge, then the optional link edge.
func (p *Plan) Edges() []Edge {
	edges := make([]Edge, 0, len(p.Units)+2)
	for _, u := range p.Units {
		rule := RuleCompile
		if u.Device {
			rule = RuleCudaCompile
		}
		edges = append(edges, Edge{Outputs: []string{u.Obj}, Rule: rule, Inputs: []string{u.Src}})
	}

	objects := p.Objects()
	if p.DeviceLink {
		dlink := p.DeviceLinkObject()
		edges = append(edges, Edge{Outputs: []string{dlink}, Rule: RuleCudaDevlink, Inputs: p.deviceObjects()})
		objects = append(objects, dlink)
	}
	if p.LinkTarget != "" {
		edges = append(edges, Edge{Outputs: []string{p.LinkTarget}, Rule: RuleLink, Inputs: objects})
	}
	return edges
}
