package detector

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/openfluke/webgpu/wgpu"
)

// BudgetEnv overrides the soft memory budget, in MiB.
const BudgetEnv = "LOOMGPU_BUDGET_MB"

const defaultBudget = uint64(128 * 1024 * 1024)

// Report is a portable summary of the adapter the kernels run on.
type Report struct {
	WhenISO     string            `json:"when_iso"`
	Runtime     string            `json:"runtime"` // "native" or "wasm"
	Backend     string            `json:"backend"`
	AdapterType string            `json:"adapter_type"`
	VendorID    string            `json:"vendor_id_hex"`
	DeviceID    string            `json:"device_id_hex"`
	Name        string            `json:"name"`
	Driver      string            `json:"driver"`
	Recommended Recommendations   `json:"recommended"`
	Limits      Limits            `json:"limits"`
	Env         map[string]string `json:"env,omitempty"`
}

type Limits struct {
	MaxComputeInvocationsPerWorkgroup uint32 `json:"max_compute_invocations_per_workgroup"`
	MaxComputeWorkgroupSizeX          uint32 `json:"max_compute_workgroup_size_x"`
	MaxComputeWorkgroupsPerDimension  uint32 `json:"max_compute_workgroups_per_dimension"`
	MaxStorageBufferBindingSize       uint64 `json:"max_storage_buffer_binding_size"`
	MaxBufferSize                     uint64 `json:"max_buffer_size"`
}

type Recommendations struct {
	// 1D workgroup size every kernel is emitted with.
	WorkgroupX uint32 `json:"workgroup_x"`
	// Soft budget in bytes for the buffers of one pipeline.
	BudgetBytes uint64 `json:"budget_bytes"`
}

// Probe builds a report for an adapter that is already open.
func Probe(adapter *wgpu.Adapter) *Report {
	info := adapter.GetInfo()
	supported := adapter.GetLimits()
	limits := Limits{
		MaxComputeInvocationsPerWorkgroup: supported.Limits.MaxComputeInvocationsPerWorkgroup,
		MaxComputeWorkgroupSizeX:          supported.Limits.MaxComputeWorkgroupSizeX,
		MaxComputeWorkgroupsPerDimension:  supported.Limits.MaxComputeWorkgroupsPerDimension,
		MaxStorageBufferBindingSize:       supported.Limits.MaxStorageBufferBindingSize,
		MaxBufferSize:                     supported.Limits.MaxBufferSize,
	}

	return &Report{
		WhenISO:     time.Now().UTC().Format(time.RFC3339),
		Runtime:     detectRuntime(),
		Backend:     info.BackendType.String(),
		AdapterType: info.AdapterType.String(),
		VendorID:    fmt.Sprintf("0x%04x", info.VendorId),
		DeviceID:    fmt.Sprintf("0x%04x", info.DeviceId),
		Name:        strings.TrimSpace(info.Name),
		Driver:      strings.TrimSpace(info.DriverDescription),
		Limits:      limits,
		Recommended: Recommend(limits),
		Env:         pickEnv([]string{BudgetEnv}),
	}
}

// Recommend derives kernel launch settings from adapter limits.
func Recommend(l Limits) Recommendations {
	return Recommendations{
		WorkgroupX:  chooseWorkgroup(l),
		BudgetBytes: budget(),
	}
}

// JSON renders the report for logs.
func (r *Report) JSON() string {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Sprintf("{%q: %q}", "error", err.Error())
	}
	return string(b)
}

// CheckBuffer reports whether a storage buffer of the given size can be
// bound on this adapter.
func (r *Report) CheckBuffer(bytes uint64) error {
	if limit := r.Limits.MaxStorageBufferBindingSize; limit > 0 && bytes > limit {
		return fmt.Errorf("buffer of %d bytes exceeds the storage binding limit of %d", bytes, limit)
	}
	if limit := r.Limits.MaxBufferSize; limit > 0 && bytes > limit {
		return fmt.Errorf("buffer of %d bytes exceeds the buffer size limit of %d", bytes, limit)
	}
	return nil
}

// OverBudget reports whether a pipeline allocating total bytes exceeds the
// soft budget.
func (r *Report) OverBudget(total uint64) bool {
	return r.Recommended.BudgetBytes > 0 && total > r.Recommended.BudgetBytes
}

func chooseWorkgroup(l Limits) uint32 {
	for _, c := range []uint32{256, 128, 64, 32, 16, 8, 4, 1} {
		if c <= l.MaxComputeWorkgroupSizeX && c <= l.MaxComputeInvocationsPerWorkgroup {
			return c
		}
	}
	return 1
}

func budget() uint64 {
	if mbStr := os.Getenv(BudgetEnv); mbStr != "" {
		if mb, err := strconv.Atoi(mbStr); err == nil && mb > 0 {
			return uint64(mb) * 1024 * 1024
		}
	}
	return defaultBudget
}

func detectRuntime() string {
	if runtime.GOOS == "js" {
		return "wasm"
	}
	return "native"
}

func pickEnv(keys []string) map[string]string {
	out := map[string]string{}
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
