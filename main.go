package main

import (
	"os"

	"github.com/c2trail/c2trail/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
