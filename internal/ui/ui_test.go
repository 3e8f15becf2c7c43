package ui

import "testing"

// TestRenderPassthrough verifies helpers return the input unchanged when
// color is disabled, as it is under go test where stdout is a pipe.
func TestRenderPassthrough(t *testing.T) {
	if colored {
		t.Skip("stdout is a color terminal")
	}

	for _, fn := range []func(string) string{
		RenderAccent, RenderPass, RenderWarn, RenderErr, RenderDim, RenderBold,
	} {
		if got := fn("plain"); got != "plain" {
			t.Errorf("render = %q, want unstyled passthrough", got)
		}
	}
}

// TestRenderEmpty verifies empty input stays empty.
func TestRenderEmpty(t *testing.T) {
	if got := RenderAccent(""); got != "" && colored == false {
		t.Errorf("RenderAccent(\"\") = %q, want empty", got)
	}
}
