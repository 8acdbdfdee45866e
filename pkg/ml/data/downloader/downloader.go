// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

// Package downloader implements downloading of files over HTTP, with a progress report callback.
package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/lensgo/lensvae/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// ProgressCallback is called as download progresses.
//
// Args:
//   - totalBytes may be set to -1 if total size is not known.
//   - finished is set to true when the download is finished, successfully or not.
type ProgressCallback func(downloadedBytes, totalBytes int64, finished bool)

// Manager handles downloads, reporting back progress.
type Manager struct {
	client               *http.Client
	authToken, userAgent string
}

// New creates a Manager using http.DefaultClient.
func New() *Manager {
	return &Manager{client: http.DefaultClient}
}

// WithHTTPClient sets the client used for the requests.
func (m *Manager) WithHTTPClient(client *http.Client) *Manager {
	m.client = client
	return m
}

// WithAuthToken sets the authentication token to use in the requests.
// It is passed in the header "Authorization" and prefixed with "Bearer ".
func (m *Manager) WithAuthToken(authToken string) *Manager {
	m.authToken = authToken
	return m
}

// WithUserAgent sets the user agent to use.
func (m *Manager) WithUserAgent(userAgent string) *Manager {
	m.userAgent = userAgent
	return m
}

// Download url to filePath, creating its directory if needed, and returns the number of bytes downloaded.
// Progress is reported to callback, if not nil.
//
// The file is written to a temporary file and renamed at the end, so filePath is never left partially
// written. The download is interrupted if ctx is cancelled.
func (m *Manager) Download(ctx context.Context, url, filePath string, callback ProgressCallback) (size int64, err error) {
	if callback == nil {
		callback = func(int64, int64, bool) {}
	}
	filePath, err = fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return 0, err
	}
	if _, err = fsutil.EnsureDir(filepath.Dir(filePath)); err != nil {
		return 0, errors.WithMessagef(err, "failed to create the directory for %q", filePath)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, errors.Wrapf(err, "failed creating request for %q", url)
	}
	if m.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+m.authToken)
	}
	if m.userAgent != "" {
		req.Header.Set("User-Agent", m.userAgent)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "failed downloading %q", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("failed downloading %q: bad status code %d (%s)", url, resp.StatusCode, resp.Status)
	}

	contentLength := resp.ContentLength
	callback(0, contentLength, false)
	defer func() { callback(size, contentLength, true) }()
	err = fsutil.WriteFileAtomic(filePath, func(f *os.File) error {
		var copyErr error
		size, copyErr = io.Copy(f, &progressReader{r: resp.Body, total: contentLength, callback: callback})
		if copyErr != nil {
			return errors.Wrapf(copyErr, "failed downloading %q to %q", url, filePath)
		}
		if contentLength >= 0 && size != contentLength {
			return errors.Errorf("failed downloading %q: got %d bytes, expected %d", url, size, contentLength)
		}
		return nil
	})
	if err != nil {
		return size, err
	}
	klog.V(1).Infof("downloaded %q to %q (%s)", url, filePath, humanize.Bytes(uint64(size)))
	return size, nil
}

// progressReader reports the bytes read to the callback.
type progressReader struct {
	r        io.Reader
	read     int64
	total    int64
	callback ProgressCallback
}

func (pr *progressReader) Read(p []byte) (n int, err error) {
	n, err = pr.r.Read(p)
	if n > 0 {
		pr.read += int64(n)
		pr.callback(pr.read, pr.total, false)
	}
	return
}

// ProgressBar returns a ProgressCallback that displays a console progress bar with the given description.
func ProgressBar(description string) ProgressCallback {
	var bar *progressbar.ProgressBar
	var last int64
	return func(downloadedBytes, totalBytes int64, finished bool) {
		if bar == nil {
			desc := description
			if totalBytes > 0 {
				desc = fmt.Sprintf("%s (%s)", description, humanize.Bytes(uint64(totalBytes)))
			}
			bar = progressbar.NewOptions64(totalBytes,
				progressbar.OptionSetDescription(desc),
				progressbar.OptionShowBytes(true),
				progressbar.OptionUseANSICodes(true),
				progressbar.OptionEnableColorCodes(true),
				progressbar.OptionSetTheme(progressbar.ThemeUnicode),
			)
		}
		if downloadedBytes > last {
			_ = bar.Add64(downloadedBytes - last)
			last = downloadedBytes
		}
		if finished {
			_ = bar.Close()
			fmt.Println()
		}
	}
}
