package main

import (
	"os"

	"github.com/cofretracker/cofre_tracker/cmd/cofrectl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
