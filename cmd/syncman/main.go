package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/syncman/internal/app"
)

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "help") {
		app.PrintUsage(os.Stdout)
		return
	}
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "syncman: %v\n", err)
		os.Exit(1)
	}
}
