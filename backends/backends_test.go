// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDevice(t *testing.T) {
	for name, want := range map[string]Device{
		"":            DeviceAuto,
		"auto":        DeviceAuto,
		"accelerator": DeviceAuto,
		"parallel":    DeviceAuto,
		"CPU":         DeviceCPU,
		"go":          DeviceCPU,
	} {
		got, err := ParseDevice(name)
		require.NoError(t, err, "name=%q", name)
		assert.Equal(t, want, got, "name=%q", name)
	}
	_, err := ParseDevice("tpu")
	require.Error(t, err)
	assert.Equal(t, "cpu", DeviceCPU.String())
}

func TestNew(t *testing.T) {
	backend, err := New(DeviceCPU)
	require.NoError(t, err)
	require.NotNil(t, backend)
	assert.NotEmpty(t, backend.Name())

	t.Setenv("GOMLX_BACKEND", "go")
	backend, err = New(DeviceAuto)
	require.NoError(t, err)
	assert.NotNil(t, backend)

	_, err = New(Device(7))
	require.Error(t, err)
}
