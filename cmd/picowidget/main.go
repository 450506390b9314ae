package main

import (
	"os"

	"github.com/sipeed/picowidget/cmd/picowidget/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
