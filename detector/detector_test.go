package detector

import (
	"strings"
	"testing"
)

func TestRecommendWorkgroup(t *testing.T) {
	tests := []struct {
		limits Limits
		want   uint32
	}{
		{Limits{MaxComputeWorkgroupSizeX: 1024, MaxComputeInvocationsPerWorkgroup: 1024}, 256},
		{Limits{MaxComputeWorkgroupSizeX: 256, MaxComputeInvocationsPerWorkgroup: 128}, 128},
		{Limits{MaxComputeWorkgroupSizeX: 100, MaxComputeInvocationsPerWorkgroup: 256}, 64},
		{Limits{}, 1},
	}
	for _, tt := range tests {
		if got := Recommend(tt.limits).WorkgroupX; got != tt.want {
			t.Errorf("Recommend(%+v).WorkgroupX = %d, want %d", tt.limits, got, tt.want)
		}
	}
}

func TestBudgetFromEnv(t *testing.T) {
	t.Setenv(BudgetEnv, "16")
	if got := Recommend(Limits{}).BudgetBytes; got != 16*1024*1024 {
		t.Errorf("BudgetBytes = %d", got)
	}
	t.Setenv(BudgetEnv, "nope")
	if got := Recommend(Limits{}).BudgetBytes; got != defaultBudget {
		t.Errorf("BudgetBytes = %d, want default", got)
	}
}

func TestReportChecks(t *testing.T) {
	r := &Report{
		Limits:      Limits{MaxStorageBufferBindingSize: 1024, MaxBufferSize: 4096},
		Recommended: Recommendations{BudgetBytes: 2048},
	}
	if err := r.CheckBuffer(512); err != nil {
		t.Errorf("CheckBuffer(512) = %v", err)
	}
	if err := r.CheckBuffer(2048); err == nil {
		t.Error("CheckBuffer(2048) should exceed the binding limit")
	}
	if r.OverBudget(2048) || !r.OverBudget(2049) {
		t.Error("OverBudget boundary is wrong")
	}
	if !strings.Contains(r.JSON(), `"max_buffer_size": 4096`) {
		t.Errorf("JSON() = %s", r.JSON())
	}
}
