package main

import (
	"os"

	"github.com/yagydev/animalmela/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
