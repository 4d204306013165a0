package gen

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/alessio/shellescape"
	"github.com/qobs-build/cuext/internal/msg"
	"golang.org/x/sync/errgroup"
)

var errDirectNeedsShell = errors.New("the direct builder needs a POSIX shell, install ninja to build on windows")

// BuildState maps every output of the last successful build to the
// fingerprint of the command and inputs that produced it.
type BuildState struct {
	Outputs map[string]string `json:"outputs,omitempty"`
}

// job is a single edge expanded into a shell command
type job struct {
	edge    Edge
	command string
}

// DirectBuilder runs the plan's rules itself when ninja is not available. It
// keeps a content-hash state file instead of ninja's log, so included
// headers are not tracked.
type DirectBuilder struct {
	plan      *Plan
	buildDir  string
	stateFile string
	state     BuildState
	rebuilt   map[string]bool

	mu      sync.Mutex
	output  bytes.Buffer
	verbose io.Writer
}

func NewDirectBuilder() *DirectBuilder {
	return &DirectBuilder{
		state:   BuildState{Outputs: make(map[string]string)},
		rebuilt: make(map[string]bool),
	}
}

func (g *DirectBuilder) BuildFile() string {
	return "cuext_build_state.json"
}

func (g *DirectBuilder) Generate(plan *Plan) (string, error) {
	if err := plan.Validate(); err != nil {
		return "", err
	}
	g.plan = plan
	return "", nil // no build file needed
}

// Invoke performs the actual build
func (g *DirectBuilder) Invoke(ctx context.Context, buildDir string, opts InvokeOptions) error {
	if g.plan == nil {
		return errors.New("direct builder: Invoke called before Generate")
	}
	if g.plan.Platform.IsWindows() {
		return errDirectNeedsShell
	}

	g.buildDir = buildDir
	g.stateFile = filepath.Join(buildDir, g.BuildFile())

	if err := g.loadBuildState(); err != nil {
		msg.Warn("failed to load build state: %v", err)
	}

	var compileJobs, linkJobs []job
	for _, edge := range g.plan.Edges() {
		j := job{edge: edge, command: g.command(edge)}
		if edge.Rule == RuleCompile || edge.Rule == RuleCudaCompile {
			compileJobs = append(compileJobs, j)
		} else {
			linkJobs = append(linkJobs, j)
		}
	}

	limit := opts.Jobs
	switch {
	case limit == JobsUnlimited:
		limit = -1
	case limit <= 0:
		limit = runtime.NumCPU() + 2
	}

	g.verbose = nil
	if opts.Verbose && opts.Stdout != nil {
		g.verbose = &msg.IndentWriter{Indent: "  ", W: opts.Stdout}
	}

	var pb *msg.ProgressBar
	if !opts.Verbose && opts.Stdout != nil {
		pb = msg.NewProgressBar(len(compileJobs)+len(linkJobs), 0, opts.Stdout)
	}

	err := runJobs(ctx, compileJobs, func(ctx context.Context, j job) error {
		return g.runIfDirty(ctx, j, opts, pb)
	}, limit)

	// device link and link depend on everything before them
	if err == nil {
		for _, j := range linkJobs {
			if err = g.runIfDirty(ctx, j, opts, pb); err != nil {
				break
			}
		}
	}
	if pb != nil {
		pb.Finish()
	}

	if saveErr := g.saveBuildState(); saveErr != nil {
		msg.Warn("failed to save build state: %v", saveErr)
	}

	if err != nil {
		g.mu.Lock()
		defer g.mu.Unlock()
		return &BuildFailedError{Target: opts.Target, Output: g.output.String(), Err: err}
	}
	return nil
}

// command expands the rule of edge into a shell command line
func (g *DirectBuilder) command(edge Edge) string {
	vars := make(map[string]string)
	for _, v := range g.plan.Variables() {
		vars[v.Name] = v.Value
	}
	vars["in"] = quotePaths(edge.Inputs)
	vars["out"] = quotePaths(edge.Outputs)

	for _, rule := range g.plan.Rules() {
		if rule.Name == edge.Rule {
			return expand(rule.Command, vars)
		}
	}
	panic("DirectBuilder.command: edge without rule " + edge.Rule)
}

func quotePaths(paths []string) string {
	return shellescape.QuoteCommand(paths)
}

func (g *DirectBuilder) outputPath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(g.buildDir, p)
}

// fingerprint hashes the command together with the contents of all inputs
func (g *DirectBuilder) fingerprint(j job) (string, error) {
	h := sha256.New()
	io.WriteString(h, j.command)
	for _, in := range j.edge.Inputs {
		sum, err := fileHash(g.outputPath(in))
		if err != nil {
			return "", fmt.Errorf("could not hash %s: %w", in, err)
		}
		io.WriteString(h, "\x00"+sum)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// isDirty checks if an edge needs to be run again
func (g *DirectBuilder) isDirty(j job, fp string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, in := range j.edge.Inputs {
		if g.rebuilt[in] {
			return true
		}
	}
	for _, out := range j.edge.Outputs {
		if _, err := os.Stat(g.outputPath(out)); err != nil {
			return true
		}
		if g.state.Outputs[out] != fp {
			return true
		}
	}
	return false
}

func (g *DirectBuilder) runIfDirty(ctx context.Context, j job, opts InvokeOptions, pb *msg.ProgressBar) error {
	if pb != nil {
		defer pb.Step()
	}

	fp, err := g.fingerprint(j)
	if err != nil {
		return err
	}
	if !g.isDirty(j, fp) {
		return nil
	}

	for _, out := range j.edge.Outputs {
		if err := os.MkdirAll(filepath.Dir(g.outputPath(out)), 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", j.command)
	cmd.Dir = g.buildDir
	cmd.Env = opts.Env
	out, runErr := cmd.CombinedOutput()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.verbose != nil {
		fmt.Fprintln(g.verbose, j.command)
		g.verbose.Write(out)
	}
	if runErr != nil {
		fmt.Fprintf(&g.output, "FAILED: %s\n%s\n", j.command, out)
		return fmt.Errorf("%s: %w", j.edge.Rule, runErr)
	}
	g.output.Write(out)

	for _, o := range j.edge.Outputs {
		g.state.Outputs[o] = fp
		g.rebuilt[o] = true
	}
	return nil
}

// runJobs runs jobs in parallel
func runJobs[T any](ctx context.Context, jobs []T, jobfunc func(ctx context.Context, job T) error, limit int) error {
	if len(jobs) == 0 {
		return nil
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(limit)

	for _, j := range jobs {
		eg.Go(func() error {
			return jobfunc(ctx, j)
		})
	}

	return eg.Wait()
}

// loadBuildState loads the previous build state from disk
func (g *DirectBuilder) loadBuildState() error {
	f, err := os.Open(g.stateFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // no previous state, that's fine
		}
		return err
	}
	defer f.Close()
	if err := json.NewDecoder(bufio.NewReader(f)).Decode(&g.state); err != nil {
		return err
	}
	if g.state.Outputs == nil {
		g.state.Outputs = make(map[string]string)
	}
	return nil
}

// saveBuildState saves the current build state to disk
func (g *DirectBuilder) saveBuildState() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	data, err := json.MarshalIndent(g.state, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(g.stateFile, data, 0644)
}

// fileHash computes the SHA256 hash of a file
func fileHash(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}
