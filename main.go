package main

import "github.com/agentic-research/refract/cmd"

func main() {
	cmd.Execute()
}
