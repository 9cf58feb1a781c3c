// The main package for the fetchsched executable.
package main

import (
	"github.com/JakeFAU/fetch-scheduler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
