package main

import "github.com/peterje/sampleterm/internal/cli"

func main() {
	cli.Execute()
}
