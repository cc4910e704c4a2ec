package kernels

import (
	"fmt"
	"strings"
)

// MaxWorkgroupsPerDimension is the WebGPU default limit on dispatch size.
const MaxWorkgroupsPerDimension = 65535

// Dispatch returns the workgroup counts for a stage. Grids that need more
// than MaxWorkgroupsPerDimension groups spill into the y dimension.
func Dispatch(s *Stage, workgroupSize int) (x, y uint32) {
	groups := (s.Grid.Len() + workgroupSize - 1) / workgroupSize
	if groups <= MaxWorkgroupsPerDimension {
		return uint32(groups), 1
	}
	return MaxWorkgroupsPerDimension, uint32((groups + MaxWorkgroupsPerDimension - 1) / MaxWorkgroupsPerDimension)
}

// ShaderSource assembles the compute module of one stage. Inputs are bound
// read-only at bindings 0..n-1 in Stage.Inputs order, the output "out" at n
// and the uniform params at n+1.
func ShaderSource(s *Stage, workgroupSize int) string {
	var sb strings.Builder
	sb.WriteString("struct Params {\n    actual_size: u32,\n    _pad0: u32,\n    _pad1: u32,\n    _pad2: u32,\n};\n\n")
	for i, in := range s.Inputs {
		fmt.Fprintf(&sb, "@group(0) @binding(%d) var<storage, read> %s : array<f32>;\n", i, in)
	}
	fmt.Fprintf(&sb, "@group(0) @binding(%d) var<storage, read_write> out : array<f32>;\n", len(s.Inputs))
	fmt.Fprintf(&sb, "@group(0) @binding(%d) var<uniform> params : Params;\n\n", len(s.Inputs)+1)

	for _, f := range s.Funcs {
		sb.WriteString(f.Source())
		sb.WriteString("\n\n")
	}

	fmt.Fprintf(&sb, `@compute @workgroup_size(%d, 1, 1)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let idx = gid.x + gid.y * %du;
    if (idx >= %du) { return; }
    let x = idx %% %du;
    let y = idx / %du;
    let actual_size = params.actual_size;
%s
}
`, workgroupSize, MaxWorkgroupsPerDimension*workgroupSize, s.Grid.Len(), s.Grid.X, s.Grid.X, indent(s.WGSL))
	return sb.String()
}

func indent(body string) string {
	lines := strings.Split(strings.Trim(body, "\n"), "\n")
	for i, l := range lines {
		lines[i] = "    " + strings.TrimRight(l, " \t")
	}
	return strings.Join(lines, "\n")
}

// wgslSum emits a loop accumulating term into acc. With TacticPrecision the
// sum is Kahan-compensated. guard, when set, breaks out of the loop.
func wgslSum(t Tactic, acc, init, loopVar string, bound int, guard, term string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "var %s: f32 = %s;\n", acc, init)
	if t == TacticPrecision {
		fmt.Fprintf(&sb, "var %s_c: f32 = 0.0;\n", acc)
	}
	fmt.Fprintf(&sb, "for (var %s: u32 = 0u; %s < %du; %s = %s + 1u) {\n", loopVar, loopVar, bound, loopVar, loopVar)
	if guard != "" {
		fmt.Fprintf(&sb, "    if (%s) { break; }\n", guard)
	}
	if t == TacticPrecision {
		fmt.Fprintf(&sb, "    let %s_y = (%s) - %s_c;\n", acc, term, acc)
		fmt.Fprintf(&sb, "    let %s_t = %s + %s_y;\n", acc, acc, acc)
		fmt.Fprintf(&sb, "    %s_c = (%s_t - %s) - %s_y;\n", acc, acc, acc, acc)
		fmt.Fprintf(&sb, "    %s = %s_t;\n", acc, acc)
	} else {
		fmt.Fprintf(&sb, "    %s = %s + (%s);\n", acc, acc, term)
	}
	sb.WriteString("}\n")
	return sb.String()
}
