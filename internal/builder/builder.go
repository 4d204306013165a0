package builder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/qobs-build/cuext/internal/builder/gen"
	"github.com/qobs-build/cuext/internal/msg"
	"github.com/qobs-build/cuext/internal/toolkit"
)

const (
	GeneratorNinja  = "ninja"
	GeneratorDirect = "direct"
)

// Options controls how an extension is turned into a graph and built.
type Options struct {
	// Platform defaults to the host platform.
	Platform gen.Platform
	// BaseDir resolves relative paths of the extension, the working directory when empty.
	BaseDir string
	// BuildDir receives the build file and all outputs, BaseDir/build when empty.
	BuildDir string
	// Toolkit is located on demand when nil and the extension has device sources.
	Toolkit *toolkit.Toolkit
	// Generator is GeneratorNinja or GeneratorDirect. Empty picks ninja when
	// it is on PATH and the direct builder otherwise.
	Generator   string
	NinjaBinary string
	OptLevel    string
	Verbose     bool
	// Jobs overrides MAX_JOBS when positive.
	Jobs    int
	Explain bool
	Getenv  func(string) string
	// Environ is the base environment of the build, os.Environ() when nil.
	Environ []string
	// Stdout receives progress and, in verbose mode, compiler output.
	Stdout io.Writer
}

// BuildResult lists what a build produced.
type BuildResult struct {
	// Objects are the object files in source order, followed by the device link object.
	Objects []string
	// Artifact is the linked file, empty when only objects were requested.
	Artifact  string
	BuildFile string
}

// Prepared is a synthesized and written build graph that has not run yet.
type Prepared struct {
	Plan      *gen.Plan
	BuildDir  string
	BuildFile string
	name      string
	gen       gen.Generator
	env       []string
	opts      Options
}

func (o *Options) setDefaults() error {
	if o.Platform == (gen.Platform{}) {
		o.Platform = gen.HostPlatform()
	}
	if o.Getenv == nil {
		o.Getenv = os.Getenv
	}
	if o.Environ == nil {
		o.Environ = os.Environ()
	}
	if o.Stdout == nil {
		o.Stdout = msg.Output
	}
	if o.BaseDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		o.BaseDir = wd
	}
	var err error
	if o.BaseDir, err = filepath.Abs(o.BaseDir); err != nil {
		return err
	}
	if o.BuildDir == "" {
		o.BuildDir = filepath.Join(o.BaseDir, "build")
	}
	o.BuildDir, err = filepath.Abs(o.BuildDir)
	return err
}

// objectPath maps src to its object file inside buildDir, keeping the
// directory layout below baseDir.
func objectPath(baseDir, buildDir, src string, p gen.Platform) string {
	rel, err := filepath.Rel(baseDir, src)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		msg.Warn("source %s is outside of %s, its object is named after the file only", src, baseDir)
		rel = filepath.Base(src)
	}
	return filepath.Join(buildDir, strings.TrimSuffix(rel, filepath.Ext(rel))+p.ObjectExt())
}

// workerCount reads MAX_JOBS. It returns 0 when the variable is unset or not
// a plain number, which leaves the choice to the executor. MAX_JOBS=0 lifts
// the limit and maps to gen.JobsUnlimited.
func workerCount(getenv func(string) string, verbose bool) int {
	v := getenv("MAX_JOBS")
	n, err := strconv.Atoi(v)
	if v == "" || err != nil || n < 0 || strings.ContainsAny(v, "+-") {
		if verbose {
			msg.Info("Allowing ninja to set a default number of workers... (overridable by setting the environment variable MAX_JOBS=N)")
		}
		return 0
	}
	if verbose {
		msg.Info("Using envvar MAX_JOBS (%d) as the number of workers...", n)
	}
	if n == 0 {
		return gen.JobsUnlimited
	}
	return n
}

func createGenerator(opts *Options, env []string) (gen.Generator, error) {
	switch opts.Generator {
	case GeneratorNinja:
		return &gen.NinjaGen{Binary: opts.NinjaBinary}, nil
	case GeneratorDirect:
		return gen.NewDirectBuilder(), nil
	case "":
		bin := opts.NinjaBinary
		if bin == "" {
			bin = "ninja"
		}
		if path, err := gen.LookPathEnv(bin, env, opts.Platform); err == nil {
			return &gen.NinjaGen{Binary: path}, nil
		}
		msg.Warn("ninja was not found on PATH, falling back to the direct builder")
		return gen.NewDirectBuilder(), nil
	default:
		return nil, fmt.Errorf("unknown generator %q, expected %q or %q", opts.Generator, GeneratorNinja, GeneratorDirect)
	}
}

// Synthesize resolves ext into a build plan without touching the filesystem.
// env is the environment the build will run in.
func Synthesize(ext *Extension, opts Options, env []string) (*gen.Plan, error) {
	if err := opts.setDefaults(); err != nil {
		return nil, err
	}

	ext, err := ext.Normalize(opts.BaseDir)
	if err != nil {
		return nil, err
	}

	plan := &gen.Plan{Platform: opts.Platform, LinkTarget: ext.LinkTarget}

	if ext.HasDeviceSources() || ext.WithDeviceLink() {
		tk := opts.Toolkit
		if tk == nil {
			loc := toolkit.NewLocator()
			loc.Getenv = opts.Getenv
			if tk, err = loc.Locate(); err != nil {
				return nil, err
			}
		}
		plan.Nvcc = tk.Nvcc()
		plan.DeviceLink = ext.WithDeviceLink()
	}

	resolver := &Resolver{Platform: opts.Platform, Getenv: opts.Getenv, OptLevel: opts.OptLevel}
	res, err := resolver.Resolve(ext)
	if err != nil {
		return nil, err
	}
	plan.Flags = res.Quoted()

	for _, src := range ext.Sources {
		plan.Units = append(plan.Units, gen.Unit{
			Src:    src,
			Obj:    objectPath(opts.BaseDir, opts.BuildDir, src, opts.Platform),
			Device: res.Toolchain(src) == Device,
		})
	}

	plan.Cxx = findHostCompiler(opts.Platform, opts.Getenv, env)
	if plan.LinkTarget != "" {
		if plan.Linker, err = findLinker(opts.Platform, plan.Cxx, env); err != nil {
			return nil, err
		}
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

// Prepare synthesizes the graph of ext and writes its build file. The build
// does not run, see (*Prepared).Run.
func Prepare(ctx context.Context, ext *Extension, opts Options) (*Prepared, error) {
	if err := opts.setDefaults(); err != nil {
		return nil, err
	}

	env := slices.Clone(opts.Environ)
	if gen.NeedsVCEnv(opts.Platform, env) {
		var err error
		if env, err = gen.VCEnv(ctx, opts.Platform, env); err != nil {
			return nil, err
		}
	}

	plan, err := Synthesize(ext, opts, env)
	if err != nil {
		return nil, err
	}

	g, err := createGenerator(&opts, env)
	if err != nil {
		return nil, err
	}

	out, err := g.Generate(plan)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(opts.BuildDir, 0755); err != nil {
		return nil, err
	}

	p := &Prepared{
		Plan:     plan,
		BuildDir: opts.BuildDir,
		name:     ext.Name,
		gen:      g,
		env:      env,
		opts:     opts,
	}

	if out != "" {
		p.BuildFile = filepath.Join(opts.BuildDir, g.BuildFile())
		if opts.Explain {
			prev, err := os.ReadFile(p.BuildFile)
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
			if diff := gen.Explain(string(prev), out); diff != "" {
				msg.Info("%s changed:", p.BuildFile)
				iw := &msg.IndentWriter{Indent: "  ", W: opts.Stdout}
				_, _ = io.WriteString(iw, diff)
			} else {
				msg.Info("%s is up to date", p.BuildFile)
			}
		}
		if opts.Verbose {
			msg.Info("Emitting ninja build file %s...", p.BuildFile)
		}
		if err := os.WriteFile(p.BuildFile, []byte(out), 0644); err != nil {
			return nil, err
		}
	}

	return p, nil
}

// Run executes the prepared graph.
func (p *Prepared) Run(ctx context.Context) (*BuildResult, error) {
	jobs := p.opts.Jobs
	if jobs <= 0 {
		jobs = workerCount(p.opts.Getenv, p.opts.Verbose)
	}

	if p.opts.Verbose {
		msg.Info("Compiling objects...")
	}

	err := p.gen.Invoke(ctx, p.BuildDir, gen.InvokeOptions{
		Target:  p.name,
		Verbose: p.opts.Verbose,
		Jobs:    jobs,
		Env:     p.env,
		Stdout:  p.opts.Stdout,
	})
	if err != nil {
		return nil, err
	}

	res := &BuildResult{Objects: p.Plan.Outputs(), BuildFile: p.BuildFile}
	if t := p.Plan.LinkTarget; t != "" {
		if !filepath.IsAbs(t) {
			t = filepath.Join(p.BuildDir, t)
		}
		res.Artifact = t
	}
	return res, nil
}

// BuildExtension synthesizes the graph of ext, writes it and runs the build.
func BuildExtension(ctx context.Context, ext *Extension, opts Options) (*BuildResult, error) {
	p, err := Prepare(ctx, ext, opts)
	if err != nil {
		return nil, err
	}
	return p.Run(ctx)
}

// Builder builds the extension described by a package's Cuext.toml.
type Builder struct {
	cfg     *Config
	basedir string
	env     ConfigEnv
}

func NewBuilderInDirectory(path string) (*Builder, error) {
	var err error
	path, err = filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	env := NewConfigEnv(path)
	cfg, err := ParseConfigFromFile(filepath.Join(path, ConfigFilename), env)
	if err != nil {
		return nil, err
	}
	return &Builder{cfg: cfg, basedir: path, env: env}, nil
}

func (b *Builder) Config() *Config { return b.cfg }

func (b *Builder) BaseDir() string { return b.basedir }

func (b *Builder) collectFiles(patterns []string, dirs bool) ([]string, error) {
	var files []string
	seen := make(map[string]bool)
	fsys := os.DirFS(b.basedir)

	var globparams []doublestar.GlobOption
	if !dirs {
		globparams = append(globparams, doublestar.WithFilesOnly())
	}

	add := func(path string) {
		path = filepath.Clean(path)
		if !seen[path] {
			seen[path] = true
			files = append(files, path)
		}
	}

	for _, pat := range patterns {
		if filepath.IsAbs(pat) {
			add(pat)
			continue
		}
		matches, err := doublestar.Glob(fsys, filepath.ToSlash(pat), globparams...)
		if err != nil {
			return nil, err
		}
		if len(matches) == 0 && dirs {
			// directories that don't exist yet are passed through as is
			add(filepath.Join(b.basedir, pat))
			continue
		}
		slices.Sort(matches)
		for _, match := range matches {
			add(filepath.Join(b.basedir, filepath.FromSlash(match)))
		}
	}

	return files, nil
}

func defaultLinkTarget(name string, p gen.Platform) string {
	if p.IsWindows() {
		return name + ".dll"
	}
	return name + ".so"
}

// Extension builds the descriptor of the package for the given profile. tk is
// only consulted when the package enables CUDA and may be nil otherwise.
func (b *Builder) Extension(tk *toolkit.Toolkit, p gen.Platform) (*Extension, error) {
	t := b.cfg.Target

	sources, err := b.collectFiles(t.Sources, false)
	if err != nil {
		return nil, fmt.Errorf("failed to collect sources for %s: %w", b.cfg.Package.Name, err)
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: no file matches target.sources of %s", ErrNoSources, b.cfg.Package.Name)
	}

	var ext *Extension
	if t.Cuda {
		if tk == nil {
			return nil, fmt.Errorf("package %s enables cuda but no toolkit was given", b.cfg.Package.Name)
		}
		ext = NewCudaExtension(tk, b.cfg.Package.Name, sources...)
	} else {
		ext = NewCppExtension(b.cfg.Package.Name, sources...)
	}

	includes, err := b.collectFiles(t.IncludeDirs, true)
	if err != nil {
		return nil, fmt.Errorf("failed to collect include directories for %s: %w", b.cfg.Package.Name, err)
	}
	ext.IncludeDirs = append(includes, ext.IncludeDirs...)

	libDirs, err := b.collectFiles(t.LibraryDirs, true)
	if err != nil {
		return nil, fmt.Errorf("failed to collect library directories for %s: %w", b.cfg.Package.Name, err)
	}
	ext.LibraryDirs = append(libDirs, ext.LibraryDirs...)
	ext.Libraries = append(slices.Clone(t.Libraries), ext.Libraries...)
	ext.Defines = t.Defines

	if ext.ExtraFlags, err = t.FlagInput(); err != nil {
		return nil, err
	}

	ext.DeviceLink = t.DeviceLink.Enabled
	ext.DeviceLinkLibraries = t.DeviceLink.Libraries
	ext.DeviceLinkFlags = t.DeviceLink.Flags

	switch {
	case t.ObjectsOnly:
	case t.Link != "":
		ext.LinkTarget = t.Link
	default:
		ext.LinkTarget = defaultLinkTarget(b.cfg.Package.Name, p)
	}

	return ext, nil
}

// BuildOptions are the package-level knobs exposed on the command line.
type BuildOptions struct {
	Profile   string
	Generator string
	Verbose   bool
	Jobs      int
	Explain   bool
	// NoRun only writes the build file.
	NoRun  bool
	Stdout io.Writer
}

func (b *Builder) optLevel(profile string) (string, error) {
	if prof, ok := b.cfg.Profile[profile]; ok {
		return prof.OptLevelString(), nil
	}
	return "", fmt.Errorf("unknown profile %q, known profiles: %s", profile, strings.Join(b.cfg.Profiles(), ", "))
}

// Build runs the package's build script, then synthesizes and, unless
// NoRun is set, runs the build of its extension in basedir/build.
func (b *Builder) Build(ctx context.Context, bo BuildOptions) (*BuildResult, error) {
	optLevel, err := b.optLevel(bo.Profile)
	if err != nil {
		return nil, err
	}

	if err := b.cfg.RunBuildScript(b.env); err != nil {
		return nil, err
	}

	p := gen.HostPlatform()
	var tk *toolkit.Toolkit
	if b.cfg.Target.Cuda {
		if tk, err = toolkit.Locate(); err != nil {
			return nil, err
		}
	}

	ext, err := b.Extension(tk, p)
	if err != nil {
		return nil, err
	}

	opts := Options{
		Platform:  p,
		BaseDir:   b.basedir,
		BuildDir:  filepath.Join(b.basedir, "build"),
		Toolkit:   tk,
		Generator: bo.Generator,
		OptLevel:  optLevel,
		Verbose:   bo.Verbose,
		Jobs:      bo.Jobs,
		Explain:   bo.Explain,
		Stdout:    bo.Stdout,
	}

	prepared, err := Prepare(ctx, ext, opts)
	if err != nil {
		return nil, err
	}
	if bo.NoRun {
		return &BuildResult{Objects: prepared.Plan.Outputs(), BuildFile: prepared.BuildFile}, nil
	}
	return prepared.Run(ctx)
}
