// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package fingerprint discovers the GPUs present on a node and produces the
// structs.GpuCapability slice a Register message carries. Modeled on the
// NVML driver/device interface Nomad's own GPU fingerprinter mocks
// (client/fingerprint/nvidia_test.go's MockNVMLDriver/MockNVMLDevice): a
// driver that must be initialized, reports a device count, and per-device
// UUID/Name/MemoryInfo calls that can each independently fail.
package fingerprint

import (
	"fmt"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/gpuscheduler/gateway/structs"
)

// NVMLDevice is the minimal per-GPU surface the fingerprinter reads.
type NVMLDevice interface {
	UUID() (string, error)
	Name() (string, error)
	// MemoryInfo returns total and currently-used device memory, in bytes.
	MemoryInfo() (total uint64, used uint64, err error)
}

// NVMLDriver is the minimal NVML surface the fingerprinter reads. A real
// implementation wraps the vendor NVML shared library; tests and
// non-NVIDIA nodes use a stub or a no-op driver that reports zero devices.
type NVMLDriver interface {
	Initialize() error
	Shutdown() error
	DeviceCount() (int, error)
	DeviceHandle(index int) (NVMLDevice, error)
}

// Discover queries driver for every present GPU and returns the resulting
// capability list in index order. A device that errors on any individual
// call is skipped (logged, not fatal) rather than aborting discovery for
// the whole node -- a node with one flaky GPU should still register with
// the GPUs it *can* describe.
func Discover(driver NVMLDriver, log hclog.Logger) ([]structs.GpuCapability, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if err := driver.Initialize(); err != nil {
		return nil, fmt.Errorf("initializing nvml driver: %w", err)
	}
	defer func() { _ = driver.Shutdown() }()

	count, err := driver.DeviceCount()
	if err != nil {
		return nil, fmt.Errorf("querying device count: %w", err)
	}

	gpus := make([]structs.GpuCapability, 0, count)
	for i := 0; i < count; i++ {
		dev, err := driver.DeviceHandle(i)
		if err != nil {
			log.Warn("skipping gpu: no device handle", "index", i, "error", err)
			continue
		}

		uuid, err := dev.UUID()
		if err != nil {
			log.Warn("skipping gpu: uuid unavailable", "index", i, "error", err)
			continue
		}
		name, err := dev.Name()
		if err != nil {
			log.Warn("skipping gpu: name unavailable", "index", i, "error", err)
			continue
		}
		total, _, err := dev.MemoryInfo()
		if err != nil {
			log.Warn("skipping gpu: memory info unavailable", "index", i, "error", err)
			continue
		}

		gpus = append(gpus, structs.GpuCapability{
			Index:    uint32(i),
			Name:     name,
			Memory:   total / (1024 * 1024),
			UUID:     uuid,
			Platform: structs.GpuPlatformCuda,
		})
	}

	return gpus, nil
}
