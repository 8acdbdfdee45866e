// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/lensgo/lensvae/anomaly"
	"github.com/lensgo/lensvae/backends"
	"github.com/lensgo/lensvae/faults"
	"github.com/lensgo/lensvae/pretrained"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// commonFlags are shared by train and evaluate.
type commonFlags struct {
	dataPath, checkpointDir string
	device                  string
	seed                    int64
	latentDim               int
	pretrain                bool
	pretrainMode            string
	pretrainModel           string
	archives                string
}

func (f *commonFlags) register(flags *pflag.FlagSet, defaultDataPath string, defaultLatentDim int) {
	flags.StringVar(&f.dataPath, "data", defaultDataPath, "Path of the .npy dataset, shaped (groups, items, channels, height, width).")
	flags.StringVar(&f.checkpointDir, "checkpoint", "./Weights", "Directory of the checkpoint file.")
	flags.StringVar(&f.device, "device", "auto", "Compute device: auto, cpu or parallel.")
	flags.Int64Var(&f.seed, "seed", 0, "Seed of the random number generators, 0 seeds from the current time.")
	flags.IntVar(&f.latentDim, "latent_dim", defaultLatentDim, "Length of the latent vectors.")
	flags.BoolVar(&f.pretrain, "pretrain", true, "Load pretrained weights before training or evaluating.")
	flags.StringVar(&f.pretrainMode, "pretrain_mode", "transfer",
		"Source of the pretrained weights: \"transfer\" fetches a published archive, \"continue\" loads the checkpoint of a previous run.")
	flags.StringVar(&f.pretrainModel, "pretrain_model", pretrained.DefaultVariant, "Variant of the published archive used by --pretrain_mode=transfer.")
	flags.StringVar(&f.archives, "archives", "gdrive",
		"Where the published archives are fetched from: gdrive, s3://bucket/prefix or minio://host:port/bucket/prefix.")
}

func (f *commonFlags) devicePretrain(cmd *cobra.Command) (backends.Device, anomaly.Pretrain, error) {
	device, err := backends.ParseDevice(f.device)
	if err != nil {
		return device, anomaly.Pretrain{}, faults.Wrapf(faults.InvalidConfig, err, "--device")
	}
	pretrain := anomaly.Pretrain{Enabled: f.pretrain, Variant: f.pretrainModel}
	pretrain.Mode, err = anomaly.ParsePretrainMode(f.pretrainMode)
	if err != nil {
		return device, pretrain, err
	}
	if f.pretrain && pretrain.Mode == anomaly.PretrainTransfer {
		pretrain.Archives, err = archivesSource(cmd, f.archives)
	}
	return device, pretrain, err
}

// archivesSource creates the pretrained archives source, with a progress bar for the downloads.
func archivesSource(cmd *cobra.Command, uri string) (pretrained.Source, error) {
	source, err := pretrained.FromURI(cmd.Context(), uri)
	if err != nil {
		return nil, err
	}
	if gdrive, ok := source.(*pretrained.GoogleDrive); ok {
		gdrive.Progress = downloaderProgress("Downloading pretrained weights")
	}
	return source, nil
}
