package cmd

import (
	"fmt"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ollama/videogen/envconfig"
	"github.com/ollama/videogen/server"
	"github.com/ollama/videogen/videogen/guidance"
	"github.com/ollama/videogen/videogen/scheduler"
	"github.com/ollama/videogen/videogen/toy"
)

func NewScheduleCmd() *cobra.Command {
	defaults := server.DefaultOptions()

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Print the sampling schedule",
		Args:  cobra.NoArgs,
		RunE:  scheduleHandler,
	}

	cmd.Flags().String("solver", defaults.Solver, fmt.Sprintf("Solver %v", scheduler.Names()))
	cmd.Flags().Int("steps", defaults.Steps, "Sampling steps")
	cmd.Flags().Float64("shift", defaults.Shift, "Noise schedule shift")
	cmd.Flags().Float64("slg-start", defaults.SLG.Start, "Fraction of the steps where skip-layer guidance starts")
	cmd.Flags().Float64("slg-end", defaults.SLG.End, "Fraction of the steps where skip-layer guidance ends")
	cmd.Flags().Float64("teacache", 0, "TeaCache speed-up multiplier, 0 disables")
	cmd.Flags().Int("teacache-start", 0, "Steps always computed before TeaCache may skip")
	cmd.Flags().String("model-config", envconfig.ModelConfig, "Path to the model config.json")

	return cmd
}

func scheduleHandler(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	name, _ := flags.GetString("solver")
	steps, _ := flags.GetInt("steps")
	shift, _ := flags.GetFloat64("shift")
	slgStart, _ := flags.GetFloat64("slg-start")
	slgEnd, _ := flags.GetFloat64("slg-end")
	multiplier, _ := flags.GetFloat64("teacache")
	start, _ := flags.GetInt("teacache-start")

	cfg, err := modelConfig(cmd)
	if err != nil {
		return err
	}

	solver, err := scheduler.New(name, scheduler.Config{NumTrainTimesteps: cfg.NumTrainTimesteps})
	if err != nil {
		return err
	}
	if err := solver.SetTimesteps(steps, shift); err != nil {
		return err
	}
	timesteps, sigmas := solver.Timesteps(), solver.Sigmas()

	window := guidance.Window{Start: slgStart, End: slgEnd}

	plan := make([]bool, len(timesteps))
	for i := range plan {
		plan[i] = true
	}
	if multiplier > 0 {
		model := toy.NewDenoiser(toy.DenoiserConfig{NumTrainTimesteps: cfg.NumTrainTimesteps})
		threshold := model.ComputeThreshold(start, timesteps, multiplier)
		plan = model.Plan(timesteps)
		fmt.Fprintf(cmd.OutOrStdout(), "teacache threshold %.2f\n", threshold)
	}

	var data [][]string
	computed := 0
	for i, t := range timesteps {
		if plan[i] {
			computed++
		}
		data = append(data, []string{
			strconv.Itoa(i),
			strconv.FormatFloat(float64(t), 'f', 2, 32),
			strconv.FormatFloat(float64(sigmas[i]), 'f', 4, 32),
			yesNo(window.Active(i, steps)),
			yesNo(plan[i]),
		})
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"STEP", "TIMESTEP", "SIGMA", "SLG", "COMPUTE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d steps, %d computed\n", name, len(timesteps), computed)
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
