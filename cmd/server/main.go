package main

import (
	"os"

	"github.com/atmx/market-sync/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
