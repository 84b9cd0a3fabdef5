package main

import "github.com/ramiqadoumi/go-flow-orchestrator/services/worker/cli"

func main() {
	cli.Execute()
}
