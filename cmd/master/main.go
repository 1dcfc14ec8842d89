package main

import "github.com/Kandimus/FreeDistributedBuild/services/master/cli"

func main() {
	cli.Execute()
}
