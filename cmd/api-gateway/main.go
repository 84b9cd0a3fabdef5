package main

import "github.com/ramiqadoumi/go-flow-orchestrator/services/api-gateway/cli"

func main() {
	cli.Execute()
}
