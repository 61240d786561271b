package main

import "github.com/vietddude/bridge/internal/cli"

func main() {
	cli.Execute()
}
