package main

import "github.com/ramiqadoumi/go-flow-orchestrator/services/orchestrator/cli"

func main() {
	cli.Execute()
}
