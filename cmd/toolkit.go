// cuext toolkit
package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/qobs-build/cuext/internal/toolkit"
	"github.com/spf13/cobra"
)

var toolkitCmd = &cobra.Command{
	Use:   "toolkit",
	Short: "Show the CUDA toolkit that would be used",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tk, err := toolkit.Locate()
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%s %s\n", color.HiCyanString("root:"), tk.Root)
		fmt.Fprintf(w, "%s %s\n", color.HiCyanString("nvcc:"), tk.Nvcc())
		if tk.CompanionRoot != "" {
			fmt.Fprintf(w, "%s %s\n", color.HiCyanString("cudnn:"), tk.CompanionRoot)
		}
		for _, dir := range tk.IncludePaths() {
			fmt.Fprintf(w, "%s %s\n", color.HiCyanString("include:"), dir)
		}
		for _, dir := range tk.LibraryPaths() {
			fmt.Fprintf(w, "%s %s\n", color.HiCyanString("lib:"), dir)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(toolkitCmd)
}
