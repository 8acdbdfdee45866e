// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

// Package backends selects the GoMLX backend that executes the model graphs.
//
// The "cpu" device is always the pure Go backend (github.com/gomlx/gomlx/backends/simplego). The "auto"
// device asks GoMLX for its default backend, which honors the GOMLX_BACKEND environment variable, and falls
// back to the pure Go backend if that fails. The device is resolved once, when the backend is created, and
// the backend is passed explicitly to the model.
package backends

import (
	"fmt"
	"strings"

	gomlxbackends "github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Device is the kind of compute device.
type Device int

const (
	// DeviceAuto uses the GoMLX default backend (configurable with GOMLX_BACKEND), or DeviceCPU if it
	// is not available.
	DeviceAuto Device = iota

	// DeviceCPU uses the pure Go backend.
	DeviceCPU
)

// String implements fmt.Stringer.
func (d Device) String() string {
	switch d {
	case DeviceAuto:
		return "auto"
	case DeviceCPU:
		return "cpu"
	}
	return fmt.Sprintf("Device(%d)", int(d))
}

// ParseDevice converts a device name to a Device, case-insensitive. "accelerator" and "parallel"
// are accepted as aliases of "auto": the accelerator is selected with GOMLX_BACKEND.
func ParseDevice(name string) (Device, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "auto", "accelerator", "parallel":
		return DeviceAuto, nil
	case "cpu", "go":
		return DeviceCPU, nil
	}
	return DeviceAuto, errors.Errorf("unknown device %q, valid values are \"auto\" and \"cpu\"", name)
}

// New creates the backend for the device.
func New(device Device) (gomlxbackends.Backend, error) {
	switch device {
	case DeviceCPU:
		backend, err := simplego.New("")
		if err != nil {
			return nil, errors.Wrap(err, "failed to create the pure Go backend")
		}
		klog.V(1).Infof("backends: using %s", backend.Name())
		return backend, nil
	case DeviceAuto:
		backend, err := gomlxbackends.New()
		if err != nil {
			klog.Warningf("backends: default backend not available, using the pure Go one: %v", err)
			return New(DeviceCPU)
		}
		klog.V(1).Infof("backends: using %s", backend.Name())
		return backend, nil
	}
	return nil, errors.Errorf("invalid device %s", device)
}

// MustNew is like New, but it panics on error.
func MustNew(device Device) gomlxbackends.Backend {
	backend, err := New(device)
	if err != nil {
		panic(err)
	}
	return backend
}
