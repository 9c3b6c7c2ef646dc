// pan is the Panopticon CLI: the agent supervision engine and its
// operator commands.
package main

import (
	"os"

	"github.com/xcawolfe-amzn/panopticon/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
