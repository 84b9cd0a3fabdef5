package main

import "github.com/ramiqadoumi/go-flow-orchestrator/services/scheduler/cli"

func main() {
	cli.Execute()
}
