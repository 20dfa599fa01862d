package main

import "github.com/arkilian/chunkindex/internal/cli"

var version = "dev"

func main() {
	cli.Execute(version)
}
