// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/lensgo/lensvae/anomaly"
	"github.com/lensgo/lensvae/ui/commandline"
	"github.com/spf13/cobra"
)

func newEvaluateCmd() *cobra.Command {
	defaults := anomaly.DefaultEvalConfig()
	var (
		common       commonFlags
		outputDir    string
		disableNoise bool
		quantile     float64
	)
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Reconstruct the images of a dataset and compute their anomaly scores",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			device, pretrain, err := common.devicePretrain(cmd)
			if err != nil {
				return err
			}
			cfg := anomaly.EvalConfig{
				DataPath:      common.dataPath,
				CheckpointDir: common.checkpointDir,
				OutputDir:     outputDir,
				Pretrain:      pretrain,
				Device:        device,
				Seed:          common.seed,
				DisableNoise:  disableNoise,
				LatentDim:     common.latentDim,
			}
			scores, err := anomaly.Evaluate(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			return reportScores(cmd, scores, quantile)
		},
	}
	flags := cmd.Flags()
	common.register(flags, defaults.DataPath, defaults.LatentDim)
	flags.StringVar(&outputDir, "out", defaults.OutputDir, "Directory where the reconstructions and the scores are saved.")
	flags.BoolVar(&disableNoise, "disable_noise", false, "Decode the latent mean, making the reconstructions deterministic.")
	flags.Float64Var(&quantile, "outliers", 0.95, "Report the images with a score above this quantile of the scores.")
	return cmd
}

func reportScores(cmd *cobra.Command, scores anomaly.Scores, quantile float64) error {
	summary := scores.Summary()
	format := func(v float64) string { return fmt.Sprintf("%.6g", v) }
	outliers := scores.Outliers(quantile)
	err := commandline.Report(cmd.OutOrStdout(), "Anomaly scores",
		commandline.Row{Name: "Images", Value: fmt.Sprint(summary.Count)},
		commandline.Row{Name: "Mean", Value: format(summary.Mean)},
		commandline.Row{Name: "Standard deviation", Value: format(summary.StdDev)},
		commandline.Row{Name: "Min", Value: format(summary.Min)},
		commandline.Row{Name: "Median", Value: format(summary.Median)},
		commandline.Row{Name: "95th percentile", Value: format(summary.Quantile95)},
		commandline.Row{Name: "Max", Value: format(summary.Max)},
		commandline.Row{Name: fmt.Sprintf("Outliers (> q%g)", quantile), Value: fmt.Sprint(len(outliers))},
	)
	if err != nil {
		return err
	}
	if len(outliers) > 0 {
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "Outlier indices: %v\n", outliers)
	}
	return err
}
