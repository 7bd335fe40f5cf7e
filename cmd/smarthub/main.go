package main

import (
	"os"

	"smarthub/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
