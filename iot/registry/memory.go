// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRegistry is a registry in memory
type MemoryRegistry struct {
	mutex   sync.RWMutex
	devices map[string]Device
}

// NewMemoryRegistry returns an empty in-memory registry
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{devices: make(map[string]Device)}
}

// Create implements Registry
func (m *MemoryRegistry) Create(ctx context.Context, device Device) (*Device, error) {
	device, err := prepare(device, time.Now())
	if err != nil {
		return nil, err
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.devices[device.DeviceID]; ok {
		return nil, ErrExists
	}
	m.devices[device.DeviceID] = device
	return &device, nil
}

// Get implements Registry
func (m *MemoryRegistry) Get(ctx context.Context, deviceID string) (*Device, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	device, ok := m.devices[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	return &device, nil
}

// Delete implements Registry
func (m *MemoryRegistry) Delete(ctx context.Context, deviceID string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.devices[deviceID]; !ok {
		return ErrNotFound
	}
	delete(m.devices, deviceID)
	return nil
}

// List implements Registry. Devices are sorted by id.
func (m *MemoryRegistry) List(ctx context.Context) ([]Device, error) {
	m.mutex.RLock()
	devices := make([]Device, 0, len(m.devices))
	for _, device := range m.devices {
		devices = append(devices, device)
	}
	m.mutex.RUnlock()
	sort.Slice(devices, func(i, j int) bool { return devices[i].DeviceID < devices[j].DeviceID })
	return devices, nil
}

var _ Registry = (*MemoryRegistry)(nil)
