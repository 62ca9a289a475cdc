package main

import "gpusched/internal/cli"

func main() {
	cli.Execute()
}
