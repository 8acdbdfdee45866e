// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

// lensvae trains the variational autoencoder on gravitational lensing images, and scores images by
// their reconstruction error.
//
// Usage:
//
//	lensvae train --data=./Data/no_sub_train.npy --epochs=50 --pretrain=false
//	lensvae evaluate --data=./Data/no_sub_test.npy --out=./Results
//	lensvae fetch --variant=A
//	lensvae inspect ./Weights/VAE.ckpt --vars
//
// Logging is controlled with the klog flags, e.g. "-v=1" for per-step losses.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"

	"github.com/lensgo/lensvae/faults"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "lensvae",
		Short:         "Anomaly detection of gravitational lensing images with a variational autoencoder",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	// klog flags (-v, -logtostderr, ...) are accepted by all commands.
	goFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(goFlags)
	rootCmd.PersistentFlags().AddGoFlagSet(goFlags)

	rootCmd.AddCommand(newTrainCmd(), newEvaluateCmd(), newFetchCmd(), newInspectCmd())
	return rootCmd
}

// exitCode maps the kind of failure to the process exit code.
func exitCode(err error) int {
	switch {
	case errors.Is(err, faults.InvalidConfig):
		return 2
	case errors.Is(err, faults.DatasetLoad), errors.Is(err, faults.CheckpointLoad), errors.Is(err, faults.ArchiveFetch):
		return 3
	case errors.Is(err, faults.ShapeMismatch):
		return 4
	case errors.Is(err, faults.TrainingDiverged):
		return 5
	}
	return 1
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	err := newRootCmd().ExecuteContext(ctx)
	cancel()
	klog.Flush()
	if err != nil {
		klog.Errorf("%+v", err)
		os.Exit(exitCode(err))
	}
}
