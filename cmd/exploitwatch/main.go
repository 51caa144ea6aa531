package main

import "exploitwatch/internal/cli"

func main() {
	cli.Execute()
}
