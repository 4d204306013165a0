// cuext [path], cuext build [path], cuext generate [path]
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/fatih/color"
	"github.com/qobs-build/cuext/internal/builder"
	"github.com/qobs-build/cuext/internal/builder/gen"
	"github.com/qobs-build/cuext/internal/msg"
	"github.com/spf13/cobra"
)

var (
	flagProfile   string
	flagVerbose   bool
	flagJobs      int
	flagExplain   bool
	flagGenerator = NewChoiceFlag(
		Choice{"auto", "Use ninja if it is on PATH, the direct builder otherwise"},
		Choice{builder.GeneratorNinja, "Generate build.ninja and run ninja"},
		Choice{builder.GeneratorDirect, "Run the compilers directly, without ninja"},
	)
)

func generatorName() string {
	if v := flagGenerator.String(); v != "auto" {
		return v
	}
	return ""
}

func runBuild(args []string, noRun bool) {
	target := "."
	if len(args) > 0 {
		target = args[0]
	}
	b, err := builder.NewBuilderInDirectory(target)
	if err != nil {
		msg.Fatal("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	res, err := b.Build(ctx, builder.BuildOptions{
		Profile:   flagProfile,
		Generator: generatorName(),
		Verbose:   flagVerbose,
		Jobs:      flagJobs,
		Explain:   flagExplain,
		NoRun:     noRun,
	})
	if err != nil {
		var failed *gen.BuildFailedError
		if errors.As(err, &failed) && failed.Output != "" {
			msg.Error("build of %s failed:", b.Config().Package.Name)
			iw := &msg.IndentWriter{Indent: "  ", W: msg.Output}
			fmt.Fprint(iw, failed.Output)
			os.Exit(1)
		}
		msg.Fatal("%v", err)
	}

	switch {
	case noRun && res.BuildFile != "":
		fmt.Printf("%s %s\n", color.HiGreenString("Generated"), res.BuildFile)
	case noRun:
		msg.Info("the %s generator has no build file to write", flagGenerator.String())
	case res.Artifact != "":
		fmt.Printf("%s %s\n", color.HiGreenString("Built"), res.Artifact)
	default:
		fmt.Printf("%s %d objects\n", color.HiGreenString("Built"), len(res.Objects))
	}
}

var rootCmd = &cobra.Command{
	Use:   "cuext [target path]",
	Short: "Build C++ and CUDA extensions",
	Long:  `Build C++ and CUDA extensions described by a Cuext.toml file`,
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runBuild(args, false)
	},
}

var buildCmd = &cobra.Command{
	Use:   "build [target path]",
	Short: "Build the package",
	Long:  `Build the package. If no target path is given, uses "."`,
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runBuild(args, false)
	},
}

var generateCmd = &cobra.Command{
	Use:   "generate [target path]",
	Short: "Write the build file without building",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runBuild(args, true)
	},
}

func init() {
	addBuildFlags(rootCmd)

	// cuext build subcommand
	rootCmd.AddCommand(buildCmd)
	addBuildFlags(buildCmd)

	// cuext generate subcommand
	rootCmd.AddCommand(generateCmd)
	addBuildFlags(generateCmd)
}

func addBuildFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&flagProfile, "profile", "p", "debug", "Build with the given profile")
	cmd.Flags().VarP(flagGenerator, "gen", "g", "Generator to build with, one of "+flagGenerator.Usage())
	cmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "Print every command and its output")
	cmd.Flags().IntVarP(&flagJobs, "jobs", "j", 0, "Number of parallel jobs, overrides MAX_JOBS")
	cmd.Flags().BoolVar(&flagExplain, "explain", false, "Show what changed in the build file since the last run")
	cmd.RegisterFlagCompletionFunc("gen", flagGenerator.Complete)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
