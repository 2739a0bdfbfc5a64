package main

import (
	"context"
	"log"

	"github.com/spf13/cobra"

	"github.com/ollama/videogen/cmd"
	"github.com/ollama/videogen/envconfig"
)

func main() {
	if err := cmd.LoadDotEnv(); err != nil {
		log.Fatal(err)
	}
	envconfig.LoadConfig()

	cobra.CheckErr(cmd.NewCLI().ExecuteContext(context.Background()))
}
