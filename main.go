package main

import (
	"os"

	"github.com/voltbridge/csms/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
