package main

import "github.com/dunamismax/zyncut/internal/cli"

func main() {
	cli.Execute()
}
