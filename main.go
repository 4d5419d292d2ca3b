package main

import "github.com/agentic-research/shelf/cmd"

func main() {
	cmd.Execute()
}
