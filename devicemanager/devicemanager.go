// Package devicemanager is a thin in-memory stand-in for the
// device-manager collaborator described in spec §6: MMIO/IRQ capability
// factories, DMA allocation and the mapping/registration calls every
// driver performs during init. Spec §1 rules bus/resource enumeration out
// of design-level scope; this package exists only so drivers can be
// brought up end-to-end in tests without a real microkernel, grounded on
// the interface shape of original_source/bus/dtb/src/driver.rs and
// platform/dtb/src/driver.rs.
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
package devicemanager

import (
	"sync"

	"github.com/glenda-project/drivers/capability"
	"github.com/glenda-project/drivers/internal/glerr"
)

// MMIORegion describes one logical device's register window, keyed by the
// index get_mmio is called with.
type MMIORegion struct {
	Frame *capability.Frame
	Paddr uint64
	Size  uint64
}

// LogicDevice records one registered driver, per register_logic.
type LogicDevice struct {
	Name   string
	Type   string
	Parent string
	Badge  capability.Badge
}

// Manager simulates the device-manager collaborator's procedure-call
// surface.
type Manager struct {
	mu sync.Mutex

	mmio  []MMIORegion
	irqs  []*capability.IrqCap
	dma   *dmaSource
	devs  []LogicDevice
}

// New creates an empty device manager.
func New() *Manager {
	return &Manager{dma: newDMASource()}
}

// AddMMIO registers an MMIO region at the next logical index, for test
// harness setup.
func (m *Manager) AddMMIO(r MMIORegion) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mmio = append(m.mmio, r)
	return len(m.mmio) - 1
}

// AddIRQ registers an interrupt capability at the next logical index.
func (m *Manager) AddIRQ(irq *capability.IrqCap) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.irqs = append(m.irqs, irq)
	return len(m.irqs) - 1
}

// GetMMIO implements get_mmio(index): logical MMIO index -> frame cap +
// (paddr, size).
func (m *Manager) GetMMIO(index int) (MMIORegion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.mmio) {
		return MMIORegion{}, glerr.New(glerr.DeviceNotFound, "no MMIO region at that index")
	}
	return m.mmio[index], nil
}

// GetIRQ implements get_irq(index): logical IRQ index -> IRQ handler cap.
func (m *Manager) GetIRQ(index int) (*capability.IrqCap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.irqs) {
		return nil, glerr.New(glerr.DeviceNotFound, "no IRQ at that index")
	}
	return m.irqs[index], nil
}

// DMAAlloc implements dma_alloc(pages): page count -> contiguous, aligned
// paddr + frame cap.
func (m *Manager) DMAAlloc(pages int) (uint64, *capability.Frame, error) {
	return m.dma.alloc(pages)
}

// Mmap implements mmap(frame, vaddr, size): maps frame's backing memory.
// In this host simulation the frame is already addressable via Frame.Map,
// so Mmap is a validating no-op that mirrors the call's place in the init
// sequence.
func (m *Manager) Mmap(frame *capability.Frame, size uint64) ([]byte, error) {
	if frame == nil {
		return nil, glerr.New(glerr.InvalidArgs, "nil frame")
	}
	if size > frame.Size() {
		return nil, glerr.New(glerr.InvalidArgs, "requested size exceeds frame")
	}
	return frame.Map()[:size], nil
}

// Munmap implements munmap(vaddr, size). A no-op in this simulation.
func (m *Manager) Munmap() {}

// RegisterLogic implements register_logic(desc, endpoint): publishes the
// driver to clients.
func (m *Manager) RegisterLogic(desc LogicDevice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devs = append(m.devs, desc)
}

// Devices returns every registered logical device, for test assertions.
func (m *Manager) Devices() []LogicDevice {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LogicDevice, len(m.devs))
	copy(out, m.devs)
	return out
}

// dmaSource hands out contiguous physical ranges from a monotonic bump
// allocator, standing in for the resource server's page allocator.
type dmaSource struct {
	mu   sync.Mutex
	next uint64
}

func newDMASource() *dmaSource {
	return &dmaSource{next: 0x1000_0000}
}

const pageSize = 4096

func (s *dmaSource) alloc(pages int) (uint64, *capability.Frame, error) {
	if pages <= 0 {
		return 0, nil, glerr.New(glerr.InvalidArgs, "page count must be positive")
	}

	s.mu.Lock()
	paddr := s.next
	size := uint64(pages) * pageSize
	s.next += size
	s.mu.Unlock()

	frame, err := capability.NewFrame(paddr, size)
	if err != nil {
		return 0, nil, err
	}
	return paddr, frame, nil
}
