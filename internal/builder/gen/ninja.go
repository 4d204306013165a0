package gen

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/qobs-build/cuext/internal/msg"
)

// JobsUnlimited runs without a worker limit, like ninja -j 0.
const JobsUnlimited = -1

// InvokeOptions controls how a generator runs the build.
type InvokeOptions struct {
	// Target names the extension in error messages.
	Target  string
	Verbose bool
	// Jobs is the worker count. Zero lets the executor pick its own default,
	// JobsUnlimited removes the limit.
	Jobs int
	// Env is the environment of the build. Nil inherits the current process environment.
	Env []string
	// Stdout receives the build output, indented, in verbose mode.
	Stdout io.Writer
}

// NinjaGen writes build.ninja and drives ninja.
type NinjaGen struct {
	// Binary is the ninja executable, "ninja" when empty.
	Binary string
}

func (g *NinjaGen) BuildFile() string { return "build.ninja" }

var (
	ninjaPathEscaper  = strings.NewReplacer("$", "$$", ":", "$:", " ", "$ ")
	ninjaValueEscaper = strings.NewReplacer("$", "$$")
)

func quote(s string) string { return ninjaPathEscaper.Replace(s) }

func quoteAll(paths []string) string {
	quoted := make([]string, len(paths))
	for i, p := range paths {
		quoted[i] = quote(p)
	}
	return strings.Join(quoted, " ")
}

// Generate synthesizes the ninja build description of the plan. The output
// only depends on the plan, so the same plan always yields the same text.
func (g *NinjaGen) Generate(plan *Plan) (string, error) {
	if err := plan.Validate(); err != nil {
		return "", err
	}

	var sb strings.Builder

	// blocks are separated by newlines: tool paths, flags, rules, edges
	for _, v := range plan.Variables() {
		if v.Name == "cflags" {
			writeln(&sb)
		}
		writeln(&sb, v.Name, " = ", ninjaValueEscaper.Replace(v.Value))
	}
	writeln(&sb)

	for _, rule := range plan.Rules() {
		writeln(&sb, "rule ", rule.Name)
		writeln(&sb, "  command = ", rule.Command)
		if rule.Description != "" {
			writeln(&sb, "  description = ", rule.Description)
		}
		if rule.Depfile != "" {
			writeln(&sb, "  depfile = ", rule.Depfile)
		}
		if rule.Deps != "" {
			writeln(&sb, "  deps = ", rule.Deps)
		}
		writeln(&sb)
	}

	for _, edge := range plan.Edges() {
		writeln(&sb, "build ", quoteAll(edge.Outputs), ": ", edge.Rule, " ", quoteAll(edge.Inputs))
	}

	if plan.LinkTarget != "" {
		writeln(&sb)
		writeln(&sb, "default ", quote(plan.LinkTarget))
	}

	return sb.String(), nil
}

// Invoke runs ninja in buildDir. Any failure, including a failure to start
// ninja, is reported as a single *BuildFailedError carrying the captured output.
func (g *NinjaGen) Invoke(ctx context.Context, buildDir string, opts InvokeOptions) error {
	bin := g.Binary
	if bin == "" {
		bin = "ninja"
	}

	args := []string{"-v"}
	switch {
	case opts.Jobs > 0:
		args = append(args, "-j", strconv.Itoa(opts.Jobs))
	case opts.Jobs == JobsUnlimited:
		args = append(args, "-j", "0")
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = buildDir
	cmd.Env = opts.Env

	var captured bytes.Buffer
	var w io.Writer = &captured
	if opts.Verbose && opts.Stdout != nil {
		w = io.MultiWriter(&captured, &msg.IndentWriter{Indent: "  ", W: opts.Stdout})
	}
	cmd.Stdout = w
	cmd.Stderr = w

	if err := cmd.Run(); err != nil {
		return &BuildFailedError{Target: opts.Target, Output: captured.String(), Err: err}
	}
	return nil
}
