// The main package for the vacuum executable.
package main

import (
	"github.com/JakeFAU/baseddata-vacuum/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
