package main

import "github.com/animus-coder/agentstream/internal/cli"

func main() {
	cli.Execute()
}
