// cuext init [name], cuext new [path]
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/qobs-build/cuext/internal/builder"
	"github.com/qobs-build/cuext/internal/msg"
	"github.com/spf13/cobra"
)

func writefile(content string, elem ...string) {
	path := filepath.Join(elem...)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err = os.WriteFile(path, []byte(content), 0o644); err != nil {
			msg.Fatal("create file %s: %v", path, err)
		}
		fmt.Printf("%s file: %s\n", color.HiGreenString("Created"), filepath.ToSlash(path))
	}
}

func mkdir(elem ...string) {
	path := filepath.Join(elem...)
	if err := os.MkdirAll(path, 0o755); err != nil {
		msg.Fatal("mkdir %s: %v", path, err)
	}
}

func getProgramName() string {
	if len(os.Args) == 0 {
		return "cuext"
	}
	basename := filepath.Base(os.Args[0])
	return strings.TrimSuffix(basename, filepath.Ext(basename))
}

func packageConfig(name string, cuda bool) string {
	if !cuda {
		return `[package]
name = "` + name + `"
description = "A C++ extension."
authors = []

[target]
sources = ["src/**.cpp"]
include-dirs = ["include"]
`
	}
	return `[package]
name = "` + name + `"
description = "A CUDA extension."
authors = []

[target]
cuda = true
sources = ["src/**.cpp", "src/**.cu"]
include-dirs = ["include"]

[target.cflags]
host = ["-Wall"]
device = ["-lineinfo"]

[target.'target_os == "windows"']
defines = { NOMINMAX = "" }
`
}

// initIn initializes a package in an existing specified directory
func initIn(dir, name string, cuda bool) {
	writefile(packageConfig(name, cuda), dir, builder.ConfigFilename)

	mkdir(dir, "src")
	mkdir(dir, "include")

	writefile(`#ifndef EXT_H
#define EXT_H

int ext_add(int a, int b);

#endif
`, dir, "include", "ext.h")

	writefile(`#include "ext.h"

int ext_add(int a, int b) {
    return a + b;
}
`, dir, "src", "ext.cpp")

	if cuda {
		writefile(`#include <cuda_runtime.h>

__global__ void add_kernel(const float *a, const float *b, float *out, int n) {
    int i = blockIdx.x * blockDim.x + threadIdx.x;
    if (i < n) {
        out[i] = a[i] + b[i];
    }
}

void launch_add(const float *a, const float *b, float *out, int n) {
    add_kernel<<<(n + 255) / 256, 256>>>(a, b, out, n);
}
`, dir, "src", "kernel.cu")
	}

	// .gitignore
	writefile(`build/
`, dir, ".gitignore")

	programName := getProgramName()
	fmt.Printf("You can now do %s to build, or %s to only write the build file.\n", color.HiCyanString(programName+" "+dir), color.HiCyanString(programName+" generate "+dir))
}

var withCuda bool

var initCmd = &cobra.Command{
	Use:   "init [name]",
	Short: "Create a new package in the current directory",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		initIn(".", args[0], withCuda)
	},
}

var newCmd = &cobra.Command{
	Use:   "new [path]",
	Short: "Create a new package in a new directory",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		mkdir(args[0])
		initIn(args[0], filepath.Base(args[0]), withCuda)
	},
}

func init() {
	// cuext init subcommand
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVar(&withCuda, "cuda", false, "Create a package with a CUDA kernel")

	// cuext new subcommand
	rootCmd.AddCommand(newCmd)
	newCmd.Flags().BoolVar(&withCuda, "cuda", false, "Create a package with a CUDA kernel")
}
