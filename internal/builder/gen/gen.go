package gen

import "context"

// Generator turns a build plan into something that can be executed and executes it.
type Generator interface {
	// Generate validates the plan and returns the contents of BuildFile.
	// An empty string means that no file has to be written.
	Generate(plan *Plan) (string, error)
	BuildFile() string
	Invoke(ctx context.Context, buildDir string, opts InvokeOptions) error
}
