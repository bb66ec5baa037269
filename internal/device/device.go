// Package device resolves the compute replicas a search runs on.
package device

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// EnvVisibleDevices is consulted when no device list is given explicitly.
const EnvVisibleDevices = "DARTSEARCH_VISIBLE_DEVICES"

// Auto selects one replica per physical core.
const Auto = "auto"

// Host describes the machine the replicas run on.
type Host struct {
	Brand         string
	PhysicalCores int
	LogicalCores  int
	AVX2          bool
	AVX512        bool
}

func DetectHost() Host {
	physical := cpuid.CPU.PhysicalCores
	logical := cpuid.CPU.LogicalCores
	if logical <= 0 {
		logical = runtime.NumCPU()
	}
	if physical <= 0 {
		physical = logical
	}
	return Host{
		Brand:         strings.TrimSpace(cpuid.CPU.BrandName),
		PhysicalCores: physical,
		LogicalCores:  logical,
		AVX2:          cpuid.CPU.Supports(cpuid.AVX2),
		AVX512:        cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ),
	}
}

func (h Host) String() string {
	brand := h.Brand
	if brand == "" {
		brand = "unknown cpu"
	}
	return fmt.Sprintf("%s, %d physical / %d logical cores, avx2=%t avx512=%t", brand, h.PhysicalCores, h.LogicalCores, h.AVX2, h.AVX512)
}

// Parse reads a comma separated list of device ids such as "0,1,2", or
// "auto". An empty spec selects the single device 0. Ids are returned sorted
// and deduplicated.
func Parse(spec string, host Host) ([]int, error) {
	spec = strings.TrimSpace(spec)
	switch spec {
	case "":
		return []int{0}, nil
	case Auto:
		n := max(host.PhysicalCores, 1)
		ids := make([]int, n)
		for i := range ids {
			ids[i] = i
		}
		return ids, nil
	}

	seen := map[int]struct{}{}
	var ids []int
	for _, field := range strings.Split(spec, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		id, err := strconv.Atoi(field)
		if err != nil || id < 0 {
			return nil, fmt.Errorf("invalid device id %q", field)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("device list %q selects no devices", spec)
	}
	sort.Ints(ids)
	return ids, nil
}

// Visible resolves the device list from the flag value, falling back to
// DARTSEARCH_VISIBLE_DEVICES and then to device 0.
func Visible(flagValue string, host Host) ([]int, error) {
	if strings.TrimSpace(flagValue) == "" {
		flagValue = os.Getenv(EnvVisibleDevices)
	}
	return Parse(flagValue, host)
}
