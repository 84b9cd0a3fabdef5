package main

import "github.com/ramiqadoumi/go-flow-orchestrator/services/dispatcher/cli"

func main() {
	cli.Execute()
}
