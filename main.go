package main

import (
	"os"

	"github.com/eric2788/splitrec/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
