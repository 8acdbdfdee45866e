// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/lensgo/lensvae/anomaly"
	"github.com/lensgo/lensvae/pkg/ml/data/downloader"
	"github.com/lensgo/lensvae/pretrained"
	"github.com/spf13/cobra"
)

// downloaderProgress is replaced in tests.
var downloaderProgress = downloader.ProgressBar

func newFetchCmd() *cobra.Command {
	var variant, checkpointDir, archives string
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch a published pretrained archive into the checkpoint directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			source, err := archivesSource(cmd, archives)
			if err != nil {
				return err
			}
			path := anomaly.ArchivePath(checkpointDir, source, variant)
			if err = source.Fetch(cmd.Context(), variant, path); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "pretrained variant %q from %s saved to %q\n", variant, source.Name(), path)
			return err
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&variant, "variant", pretrained.DefaultVariant, "Variant of the published archive.")
	flags.StringVar(&checkpointDir, "checkpoint", "./Weights", "Directory where the archive is saved.")
	flags.StringVar(&archives, "archives", "gdrive",
		"Where the published archives are fetched from: gdrive, s3://bucket/prefix or minio://host:port/bucket/prefix.")
	return cmd
}
