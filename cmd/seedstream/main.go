package main

import (
	"os"

	"github.com/fulgidus/seedstream/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
