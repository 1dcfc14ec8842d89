package cli

import (
	"os"

	"github.com/Kandimus/FreeDistributedBuild/internal/cliutil"
)

var program = &cliutil.Program{
	Name:     "worker",
	Short:    "FreeDistributedBuild worker: runs build tasks for masters on the network",
	Defaults: defaultWorkerYAML,
}

var rootCmd = program.Root()

// Execute is the entry point called from cmd/worker/main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
