// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package devices

import (
	"sync/atomic"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceStreamOrder(t *testing.T) {
	d := New(3)
	defer d.Finalize()
	assert.Equal(t, 3, d.Num())
	assert.Equal(t, "device:3", d.String())

	var order []int
	for ii := range 100 {
		require.NoError(t, d.Go(func() error {
			order = append(order, ii)
			return nil
		}))
	}
	require.NoError(t, d.Synchronize())
	require.Len(t, order, 100)
	for ii, v := range order {
		require.Equal(t, ii, v)
	}
}

func TestDeviceErrors(t *testing.T) {
	d := New(0)
	defer d.Finalize()

	var ran atomic.Int32
	_ = d.Go(func() error { ran.Add(1); return nil })
	_ = d.Go(func() error { return errors.New("boom") })
	_ = d.Go(func() error { ran.Add(1); return nil }) // Skipped: the round already failed.
	err := d.Synchronize()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Contains(t, err.Error(), "device:0")
	assert.Equal(t, int32(1), ran.Load())

	// Error is cleared by Synchronize, next round runs normally.
	_ = d.Go(func() error { ran.Add(1); return nil })
	require.NoError(t, d.Synchronize())
	assert.Equal(t, int32(2), ran.Load())

	// Panics with errors are converted to errors.
	_ = d.Go(func() error {
		exceptions.Panicf("shape mismatch")
		return nil
	})
	err = d.Synchronize()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shape mismatch")
}

func TestHostDevice(t *testing.T) {
	var host *Device
	assert.Equal(t, "host", host.String())
	assert.Equal(t, -1, host.Num())
	err := host.Go(func() error { return errors.New("inline") })
	require.Error(t, err)
	require.NoError(t, host.Synchronize())
	host.Finalize()
}

func TestFinalize(t *testing.T) {
	d := New(1)
	d.Finalize()
	d.Finalize()
	require.Panics(t, func() { _ = d.Go(func() error { return nil }) })
}

func TestMesh(t *testing.T) {
	_, err := NewMesh(0)
	require.Error(t, err)

	m, err := NewMesh(3)
	require.NoError(t, err)
	defer m.Finalize()
	assert.Equal(t, 3, m.NumDevices())
	assert.Equal(t, 2, m.Device(2).Num())
	assert.Equal(t, `Mesh("replicas", devices={device:0, device:1, device:2})`, m.String())

	var count atomic.Int32
	for _, d := range m.Devices() {
		_ = d.Go(func() error { count.Add(1); return nil })
	}
	require.NoError(t, m.Synchronize())
	assert.Equal(t, int32(3), count.Load())

	_ = m.Device(1).Go(func() error { return errors.New("device 1 failed") })
	err = m.Synchronize()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device 1 failed")

	offset, err := NewMeshStartingAt(4, 2)
	require.NoError(t, err)
	defer offset.Finalize()
	assert.Equal(t, `Mesh("replicas", devices={device:4, device:5})`, offset.String())
	_, err = NewMeshStartingAt(-1, 2)
	require.Error(t, err)
}

func TestNewMeshFromDevices(t *testing.T) {
	d0, d1 := New(0), New(1)
	defer d0.Finalize()
	defer d1.Finalize()

	_, err := NewMeshFromDevices()
	require.Error(t, err)
	_, err = NewMeshFromDevices(d0, d0)
	require.Error(t, err)
	_, err = NewMeshFromDevices(d0, nil)
	require.Error(t, err)

	m, err := NewMeshFromDevices(d1, d0)
	require.NoError(t, err)
	m.SetName("pair")
	assert.Equal(t, "pair", m.Name())
	assert.Equal(t, 1, m.Device(0).Num())
	m.Finalize() // Not owned: devices are still usable.
	require.NoError(t, d0.Go(func() error { return nil }))
	require.NoError(t, d0.Synchronize())
}
