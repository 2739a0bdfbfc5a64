package cmd

import (
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/ollama/videogen/envconfig"
	"github.com/ollama/videogen/logutil"
	"github.com/ollama/videogen/version"
)

func NewCLI() *cobra.Command {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	rootCmd := &cobra.Command{
		Use:     "videogen",
		Short:   "Image-to-video diffusion sampler",
		Version: version.Version,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
			logutil.Setup(os.Stderr, envconfig.LogLevel())
		},
	}

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(
		NewGenerateCmd(),
		NewScheduleCmd(),
		NewServeCmd(),
	)

	return rootCmd
}
