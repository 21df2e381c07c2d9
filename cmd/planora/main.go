package main

import "planora/cmd/cli"

func main() {
	cli.Execute()
}
