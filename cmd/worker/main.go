package main

import "github.com/Kandimus/FreeDistributedBuild/services/worker/cli"

func main() {
	cli.Execute()
}
