package main

import "github.com/qobs-build/cuext/cmd"

func main() {
	cmd.Execute()
}
