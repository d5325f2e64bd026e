package main

import (
	"os"

	"github.com/tartarus-sandbox/awf/cmd/awf/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
