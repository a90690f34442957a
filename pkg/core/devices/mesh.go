// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package devices

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// DefaultMeshName is the name given to meshes created with NewMesh or NewMeshFromDevices.
const DefaultMeshName = "replicas"

// Mesh is an ordered set of distinct devices.
//
// The device at position 0 is the authoritative one: replicated computations are aggregated into it.
type Mesh struct {
	name    string
	devices []*Device
	owned   bool
}

// NewMesh creates numDevices new devices, numbered 0 to numDevices-1, and returns a Mesh owning them.
//
// Mesh.Finalize will finalize the devices.
func NewMesh(numDevices int) (*Mesh, error) {
	return NewMeshStartingAt(0, numDevices)
}

// NewMeshStartingAt is like NewMesh, but the devices are numbered firstNum to firstNum+numDevices-1.
func NewMeshStartingAt(firstNum, numDevices int) (*Mesh, error) {
	if numDevices <= 0 {
		return nil, errors.Errorf("Mesh requires at least one device, got numDevices=%d", numDevices)
	}
	if firstNum < 0 {
		return nil, errors.Errorf("Mesh device numbers must be >= 0, got firstNum=%d", firstNum)
	}
	m := &Mesh{name: DefaultMeshName, devices: make([]*Device, numDevices), owned: true}
	for ii := range m.devices {
		m.devices[ii] = New(firstNum + ii)
	}
	return m, nil
}

// NewMeshFromDevices creates a Mesh of the given devices, in the given order.
//
// The devices are not owned by the mesh: Mesh.Finalize won't finalize them.
// It returns an error if no devices are given, if any is nil (the host) or if a device number is repeated.
func NewMeshFromDevices(devices ...*Device) (*Mesh, error) {
	if len(devices) == 0 {
		return nil, errors.New("Mesh requires at least one device")
	}
	seen := make(map[int]bool, len(devices))
	for ii, d := range devices {
		if d == nil {
			return nil, errors.Errorf("Mesh device #%d is the host (nil), only real devices can be part of a mesh", ii)
		}
		if seen[d.Num()] {
			return nil, errors.Errorf("Mesh device number %d is duplicated", d.Num())
		}
		seen[d.Num()] = true
	}
	return &Mesh{name: DefaultMeshName, devices: slices.Clone(devices)}, nil
}

// SetName of the mesh.
func (m *Mesh) SetName(name string) {
	m.name = name
}

// Name returns the mesh name.
func (m *Mesh) Name() string {
	return m.name
}

// NumDevices returns the number of devices in the mesh.
func (m *Mesh) NumDevices() int {
	return len(m.devices)
}

// Device returns the device at position idx of the mesh.
func (m *Mesh) Device(idx int) *Device {
	return m.devices[idx]
}

// Devices returns a copy of the mesh's devices, in order.
func (m *Mesh) Devices() []*Device {
	return slices.Clone(m.devices)
}

// Synchronize waits for all devices in the mesh to become idle.
//
// It returns the error of the first device (in mesh order) that failed, if any.
func (m *Mesh) Synchronize() error {
	var g errgroup.Group
	deviceErrs := make([]error, len(m.devices))
	for ii, d := range m.devices {
		g.Go(func() error {
			deviceErrs[ii] = d.Synchronize()
			return nil
		})
	}
	_ = g.Wait()
	for _, err := range deviceErrs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Finalize the devices created by NewMesh. It's a no-op for meshes created from existing devices.
func (m *Mesh) Finalize() {
	if !m.owned {
		return
	}
	for _, d := range m.devices {
		d.Finalize()
	}
}

// String implements the fmt.Stringer interface.
func (m *Mesh) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Mesh(%q, devices={", m.name)
	for ii, d := range m.devices {
		if ii > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(d.String())
	}
	sb.WriteString("})")
	return sb.String()
}
