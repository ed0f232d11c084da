package jobs

import (
	"strings"
	"testing"

	"github.com/ehrlich-b/fleetgate/internal/wire"
)

func TestBuildArgsIncludesCoreFlags(t *testing.T) {
	r := NewRunner()
	spec := wire.JobSpec{
		Model:   "opus",
		Request: wire.JobRequest{Prompt: "summarize the diff"},
	}
	args := r.buildArgs(spec, "")

	joined := strings.Join(args, " ")
	for _, want := range []string{"-p", "summarize the diff", "--output-format", "stream-json", "--verbose", "--dangerously-skip-permissions", "--model", "opus"} {
		if !strings.Contains(joined, want) {
			t.Errorf("args %v missing %q", args, want)
		}
	}
	if strings.Contains(joined, "--resume") {
		t.Errorf("args %v should not include --resume when resumeID is empty", args)
	}
}

func TestBuildArgsOptionalFlags(t *testing.T) {
	r := NewRunner()
	spec := wire.JobSpec{
		Model: "sonnet",
		Request: wire.JobRequest{
			Prompt:          "p",
			SystemPrompt:    "be terse",
			MaxTurns:        4,
			DisallowedTools: []string{"Bash", "WebFetch"},
			JSONSchema:      map[string]any{"type": "object"},
		},
	}
	args := r.buildArgs(spec, "resume-123")
	joined := strings.Join(args, " ")

	for _, want := range []string{"--append-system-prompt", "be terse", "--resume", "resume-123", "--max-turns", "4", "--disallowedTools", "Bash,WebFetch", "--output-schema"} {
		if !strings.Contains(joined, want) {
			t.Errorf("args %v missing %q", args, want)
		}
	}
}

func TestModelArgDefaultsToSonnet(t *testing.T) {
	cases := map[string]string{"opus": "opus", "sonnet": "sonnet", "haiku": "haiku", "": "sonnet", "gpt-5": "sonnet"}
	for in, want := range cases {
		if got := modelArg(in); got != want {
			t.Errorf("modelArg(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAccumulatorAbsorbsAssistantTextAndToolUse(t *testing.T) {
	a := &accumulator{}
	a.absorb(Chunk{
		"type": "assistant",
		"message": map[string]any{
			"content": []any{
				map[string]any{"type": "text", "text": "looking at the file"},
				map[string]any{"type": "tool_use", "name": "Read"},
				map[string]any{"type": "thinking", "thinking": "maybe check imports"},
			},
		},
	})

	if a.text.String() != "looking at the file" {
		t.Errorf("text = %q", a.text.String())
	}
	if a.thinking.String() != "maybe check imports" {
		t.Errorf("thinking = %q", a.thinking.String())
	}
	if len(a.toolUses) != 1 || a.toolUses[0] != "Read" {
		t.Errorf("toolUses = %v, want [Read]", a.toolUses)
	}
}

func TestAccumulatorAbsorbsContentBlockDelta(t *testing.T) {
	a := &accumulator{}
	a.absorb(Chunk{"type": "content_block_delta", "delta": map[string]any{"type": "text_delta", "text": "hel"}})
	a.absorb(Chunk{"type": "content_block_delta", "delta": map[string]any{"type": "text_delta", "text": "lo"}})

	if a.text.String() != "hello" {
		t.Errorf("text = %q, want hello", a.text.String())
	}
}

func TestAccumulatorAbsorbsResultTokens(t *testing.T) {
	a := &accumulator{}
	a.absorb(Chunk{"type": "result", "input_tokens": float64(120), "output_tokens": float64(48)})

	if a.inputTokens != 120 || a.outputTokens != 48 {
		t.Errorf("tokens = %d/%d, want 120/48", a.inputTokens, a.outputTokens)
	}
}

func TestAccumulatorIgnoresUnknownChunkTypes(t *testing.T) {
	a := &accumulator{}
	a.absorb(Chunk{"type": "system"})
	a.absorb(Chunk{})

	if a.text.String() != "" || a.thinking.String() != "" || len(a.toolUses) != 0 {
		t.Errorf("accumulator mutated by unknown chunk types: %+v", a)
	}
}
