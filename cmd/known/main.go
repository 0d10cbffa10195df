package main

import (
	"os"

	"github.com/knownrules/known/cli"
)

func main() {
	os.Exit(cli.Execute())
}
