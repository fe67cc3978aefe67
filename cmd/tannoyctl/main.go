package main

import (
	"os"

	"github.com/tannoyproject/tannoy/cmd/tannoyctl/cmd"
	"github.com/tannoyproject/tannoy/internal/common"
)

func main() {
	common.ConfigureCommandLineLogging()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
