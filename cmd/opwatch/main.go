// The main package for the opwatch executable.
package main

import (
	"github.com/JakeFAU/opwatch/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
