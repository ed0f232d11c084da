package merger

import (
	"testing"

	"github.com/ehrlich-b/fleetgate/internal/wire"
)

// TestToolWrapping implements scenario S2 from the spec: a PreToolUse hook,
// an interleaved stdout chunk, then the matching PostToolUse hook.
func TestToolWrapping(t *testing.T) {
	m := New(1 << 20)

	okTrue := true
	seq1 := m.AddHookEvent(wire.HookLine{HookType: "PreToolUse", ToolName: "Read"})
	seq2 := m.AddStdout("opened\n")
	seq3 := m.AddHookEvent(wire.HookLine{HookType: "PostToolUse", ToolName: "Read", OK: &okTrue})

	if seq1 != 1 || seq2 != 2 || seq3 != 3 {
		t.Fatalf("seqs = %d,%d,%d, want 1,2,3", seq1, seq2, seq3)
	}

	entries := m.GetEventsFrom(0)
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[0].Event.Type != KindTool || entries[0].Event.Phase != PhasePre {
		t.Errorf("entry0 = %+v, want tool/pre", entries[0].Event)
	}
	if entries[1].Event.Type != KindStdout || entries[1].Event.Data != "opened\n" {
		t.Errorf("entry1 = %+v, want stdout 'opened'", entries[1].Event)
	}
	if entries[2].Event.Type != KindTool || entries[2].Event.Phase != PhasePost || !entries[2].Event.OK {
		t.Errorf("entry2 = %+v, want tool/post ok=true", entries[2].Event)
	}

	if m.GetActiveTool() != nil {
		t.Errorf("active tool = %+v, want nil after matched post", m.GetActiveTool())
	}
}

func TestSecondPreReplacesActiveTool(t *testing.T) {
	m := New(1 << 20)
	m.AddHookEvent(wire.HookLine{HookType: "PreToolUse", ToolName: "Read"})
	m.AddHookEvent(wire.HookLine{HookType: "PreToolUse", ToolName: "Write"})

	active := m.GetActiveTool()
	if active == nil || active.ToolName != "Write" {
		t.Fatalf("active tool = %+v, want Write (second pre replaces first)", active)
	}
}

func TestIgnoredHookKindReturnsNegativeOne(t *testing.T) {
	m := New(1 << 20)
	seq := m.AddHookEvent(wire.HookLine{HookType: "SomeOtherLifecycleHook"})
	if seq != -1 {
		t.Errorf("seq = %d, want -1 for ignored hook kind", seq)
	}
	if m.GetLatestSeq() != 0 {
		t.Errorf("GetLatestSeq() = %d, want 0 (ignored hook must not consume a seq)", m.GetLatestSeq())
	}
}
