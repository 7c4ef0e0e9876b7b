package main

import "github.com/snapverify-project/snapverify/internal/cli"

func main() {
	cli.Execute()
}
