// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

package pretrained

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/lensgo/lensvae/pkg/ml/data/downloader"
	"github.com/lensgo/lensvae/vae"
	"k8s.io/klog/v2"
)

// Google Drive file ids of the published archives.
const (
	GoogleDriveIDVariantA     = "1US_9wOh9bGR2PqV_cQuYKkrMJn6CDpNN"
	GoogleDriveIDOtherVariant = "1rMmgk60jT9Zr58S-81CNSiEmWDv0pKiP"
)

// DefaultGoogleDriveURL is the download URL template: "%s" is replaced by the file id.
// The confirm parameter skips the virus-scan warning page of large files.
const DefaultGoogleDriveURL = "https://drive.usercontent.google.com/download?id=%s&export=download&confirm=t"

// GoogleDriveID returns the file id of the variant: "A" has its own archive, any other variant
// maps to the second one.
func GoogleDriveID(variant string) string {
	if variant == "A" {
		return GoogleDriveIDVariantA
	}
	return GoogleDriveIDOtherVariant
}

// GoogleDrive fetches the weights of the published models over HTTP, saved by PyTorch.
type GoogleDrive struct {
	// URLTemplate of the download URL, with a "%s" for the file id. Default is DefaultGoogleDriveURL.
	URLTemplate string

	// Manager used for the downloads.
	Manager *downloader.Manager

	// Progress, if not nil, is called as the download progresses. See downloader.ProgressBar.
	Progress downloader.ProgressCallback
}

// Assert GoogleDrive implements Source.
var _ Source = (*GoogleDrive)(nil)

// NewGoogleDrive creates the default Source.
func NewGoogleDrive() *GoogleDrive {
	return &GoogleDrive{URLTemplate: DefaultGoogleDriveURL, Manager: downloader.New()}
}

// Name implements Source.
func (g *GoogleDrive) Name() string { return "Google Drive" }

// FileName implements Source.
func (g *GoogleDrive) FileName(variant string) string {
	return "VAE_" + variant + vae.PyTorchExtension
}

// URL of the archive of the variant.
func (g *GoogleDrive) URL(variant string) string {
	template := g.URLTemplate
	if template == "" {
		template = DefaultGoogleDriveURL
	}
	return fmt.Sprintf(template, GoogleDriveID(variant))
}

// Fetch implements Source.
func (g *GoogleDrive) Fetch(ctx context.Context, variant, destPath string) error {
	manager := g.Manager
	if manager == nil {
		manager = downloader.New()
	}
	url := g.URL(variant)
	klog.Infof("downloading pretrained variant %q from %s", variant, url)
	size, err := fetchAtomic(destPath, func(tmpPath string) (int64, error) {
		return manager.Download(ctx, url, tmpPath, g.Progress)
	})
	if err != nil {
		return fetchError(g, variant, err)
	}
	klog.Infof("pretrained variant %q saved to %q (%s)", variant, destPath, humanize.Bytes(uint64(size)))
	return nil
}
