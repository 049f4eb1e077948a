package main

import (
	"os"

	"github.com/sdsync/sdsync/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
