package marker

import (
	"bytes"
	"regexp"
	"strings"
	"testing"

	"github.com/yuin/goldmark"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Marker{
		{Type: "reasoning", ID: "01JF8B2C9DT1V7XW5K3M4N6P8Q"},
		{Type: "function_call", ID: "01JF8B2C9DT1V7XW5K3M4N6P8R", Model: "gpt-5"},
		{Type: "function_call_output", ID: "01JF8B2C9DT1V7XW5K3M4N6P8S", Model: "gpt-5.1", Extra: map[string]string{"err": "1"}},
	}

	for _, want := range cases {
		text := Encode(want)
		matches := Decode(text)
		if len(matches) != 1 {
			t.Fatalf("Decode(%q) returned %d matches, want 1", text, len(matches))
		}
		got := matches[0].Marker
		if got.Type != want.Type || got.ID != want.ID || got.Model != want.Model {
			t.Errorf("round trip mismatch: got %+v, want %+v", got, want)
		}
		for k, v := range want.Extra {
			if got.Extra[k] != v {
				t.Errorf("extra[%q] = %q, want %q", k, got.Extra[k], v)
			}
		}
	}
}

func TestDecodeDocumentOrderAndSpans(t *testing.T) {
	a := Encode(Marker{Type: "function_call", ID: "01JF8B2C9DT1V7XW5K3M4N6P8Q"})
	b := Encode(Marker{Type: "function_call_output", ID: "01JF8B2C9DT1V7XW5K3M4N6P8R"})
	text := "intro" + a + b + "The answer is 42."

	matches := Decode(text)
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(matches))
	}
	if matches[0].Marker.Type != "function_call" || matches[1].Marker.Type != "function_call_output" {
		t.Errorf("matches out of document order: %v then %v", matches[0].Marker.Type, matches[1].Marker.Type)
	}
	if matches[0].End > matches[1].Start {
		t.Errorf("spans overlap: [%d,%d) then [%d,%d)", matches[0].Start, matches[0].End, matches[1].Start, matches[1].End)
	}
}

func TestAdjacentMarkersDecodeIndependently(t *testing.T) {
	// No plain text between the two fragments.
	text := Encode(Marker{Type: "reasoning", ID: "01JF8B2C9DT1V7XW5K3M4N6P8Q"}) +
		Encode(Marker{Type: "function_call", ID: "01JF8B2C9DT1V7XW5K3M4N6P8R"})

	matches := Decode(text)
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(matches))
	}
	if matches[0].Marker.ID == matches[1].Marker.ID {
		t.Error("adjacent markers collapsed into one")
	}
}

func TestDecodeTolerance(t *testing.T) {
	cases := map[string]string{
		"truncated":       "[](open_webui_responses:v2:reasoning",
		"future version":  "[](open_webui_responses:v99:reasoning:01JF8B2C9DT1V7XW5K3M4N6P8Q)",
		"bad version":     "[](open_webui_responses:vX:reasoning:01JF8B2C9DT1V7XW5K3M4N6P8Q)",
		"empty id":        "[](open_webui_responses:v2:reasoning:)",
		"wrong namespace": "[](other_namespace:v2:reasoning:01JF8B2C9DT1V7XW5K3M4N6P8Q)",
		"bad query":       "[](open_webui_responses:v2:reasoning:01JF8B2C9DT1V7XW5K3M4N6P8Q?%zz=1)",
	}
	for name, text := range cases {
		if got := Decode(text); len(got) != 0 {
			t.Errorf("%s: Decode(%q) = %v, want no matches", name, text, got)
		}
		if got := Strip(text); got != text {
			t.Errorf("%s: Strip changed unrecognized text: %q -> %q", name, text, got)
		}
	}
}

func TestDecodeAcceptsOlderVersions(t *testing.T) {
	text := "[](open_webui_responses:v1:function_call:01JF8B2C9DT1V7XW5K3M4N6P8Q?model=gpt-4o&future_key=x)"
	matches := Decode(text)
	if len(matches) != 1 {
		t.Fatalf("v1 fragment not decoded")
	}
	m := matches[0].Marker
	if m.Model != "gpt-4o" {
		t.Errorf("model = %q, want gpt-4o", m.Model)
	}
	// Unknown query keys are carried through, not rejected.
	if m.Extra["future_key"] != "x" {
		t.Errorf("unknown key dropped: %+v", m.Extra)
	}
}

func TestStripRemovesAllFragments(t *testing.T) {
	text := "Computing.\n" +
		Encode(Marker{Type: "function_call", ID: "01JF8B2C9DT1V7XW5K3M4N6P8Q", Model: "gpt-5"}) +
		Encode(Marker{Type: "function_call_output", ID: "01JF8B2C9DT1V7XW5K3M4N6P8R"}) +
		"\nThe result is ≈107549.28."

	got := Strip(text)
	if strings.Contains(got, Namespace) {
		t.Fatalf("Strip left marker text behind: %q", got)
	}
	if !strings.Contains(got, "Computing.") || !strings.Contains(got, "≈107549.28") {
		t.Errorf("Strip removed visible content: %q", got)
	}
}

func TestStripKeepsWordBoundaries(t *testing.T) {
	// Streamed text rarely ends in a newline, so a marker often sits right
	// between two sentences with only its own padding around it. Stripping
	// must leave a break there, not glue the sentences together.
	text := "Checking the weather." +
		Encode(Marker{Type: "function_call", ID: "01JF8B2C9DT1V7XW5K3M4N6P8Q"}) +
		"The result is 18C."

	got := Strip(text)
	if strings.Contains(got, "weather.The") {
		t.Fatalf("Strip glued words across the fragment: %q", got)
	}
	if got != "Checking the weather.\nThe result is 18C." {
		t.Errorf("Strip(%q) = %q", text, got)
	}
}

var htmlTagRe = regexp.MustCompile(`<[^>]*>`)

// renderedText converts markdown to HTML and keeps only visible characters.
func renderedText(t *testing.T, src string) string {
	t.Helper()
	var buf bytes.Buffer
	if err := goldmark.New().Convert([]byte(src), &buf); err != nil {
		t.Fatalf("render markdown: %v", err)
	}
	visible := htmlTagRe.ReplaceAllString(buf.String(), "")
	return strings.Join(strings.Fields(visible), " ")
}

// Markers must not change what a markdown renderer shows: rendering content
// with markers embedded and rendering the stripped content must produce the
// same visible text.
func TestMarkersInvisibleToRenderer(t *testing.T) {
	cases := map[string]string{
		"own block": "Let me check.\n" +
			Encode(Marker{Type: "function_call", ID: "01JF8B2C9DT1V7XW5K3M4N6P8Q"}) +
			Encode(Marker{Type: "function_call_output", ID: "01JF8B2C9DT1V7XW5K3M4N6P8R", Extra: map[string]string{"err": "1"}}) +
			"\nHere is the answer:\n\n```go\nfmt.Println(42)\n```\n",
		// Only the encoder's own padding separates the fragment from the
		// surrounding sentences, the way streamed text interleaves with
		// tool calls.
		"between sentences": "Checking the weather." +
			Encode(Marker{Type: "function_call", ID: "01JF8B2C9DT1V7XW5K3M4N6P8S"}) +
			"The result is 18C.",
	}

	for name, content := range cases {
		withMarkers := renderedText(t, content)
		stripped := renderedText(t, Strip(content))
		if withMarkers != stripped {
			t.Errorf("%s: markers visible in rendered output:\n with: %q\n without: %q", name, withMarkers, stripped)
		}
		if strings.Contains(withMarkers, Namespace) {
			t.Errorf("%s: namespace leaked into visible text: %q", name, withMarkers)
		}
	}
}
