package main

import (
	"os"

	"github.com/mirrorstore/mirrorstore/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
