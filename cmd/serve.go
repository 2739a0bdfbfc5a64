package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ollama/videogen/envconfig"
	"github.com/ollama/videogen/server"
	"github.com/ollama/videogen/videogen/toy"
)

func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the generation server",
		Args:    cobra.ExactArgs(0),
		RunE:    RunServer,
	}

	cmd.Flags().Bool("example-config", false, "Print an example config file and exit")
	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage())
	return cmd
}

func envUsage() string {
	vars := envconfig.AsMap()
	s := "\nEnvironment Variables:\n"
	for _, name := range []string{"OLLAMA_DEBUG", "OLLAMA_HOST", "OLLAMA_ORIGINS", "VIDEOGEN_CONFIG", "VIDEOGEN_MODEL_CONFIG", "VIDEOGEN_MAX_QUEUE", "VIDEOGEN_OFFLOAD", "VIDEOGEN_SOLVER", "VIDEOGEN_STEPS"} {
		s += fmt.Sprintf("      %-24s %s\n", name, vars[name].Description)
	}
	return s
}

func RunServer(cmd *cobra.Command, _ []string) error {
	if example, _ := cmd.Flags().GetBool("example-config"); example {
		fmt.Fprint(cmd.OutOrStdout(), envconfig.GenerateExampleConfig())
		return nil
	}

	addr, err := envconfig.Host()
	if err != nil {
		return err
	}

	cfg, err := server.ModelConfig()
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := server.New(toy.NewPipeline(cfg), server.DefaultOptions(), envconfig.MaxQueue)
	slog.Info("server config", "env", envconfig.Values(), "config_file", envconfig.ConfigPath())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Serve(ctx, ln)
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down")
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
