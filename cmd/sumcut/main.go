package main

import "sumcut/internal/cli"

func main() {
	cli.Main()
}
