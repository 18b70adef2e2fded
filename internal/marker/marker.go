// Package marker encodes out-of-band item references into markdown fragments
// that the host's renderer collapses to nothing. The invisibility is a
// rendering contract, not data hiding: an empty-text markdown link renders an
// anchor with no visible characters, so the fragment survives in the stored
// message content while staying out of what the user sees. A host renderer
// change could make markers visible; keep all grammar knowledge in this
// package so a schema bump stays local.
package marker

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Namespace identifies fragments owned by this pipe.
const Namespace = "open_webui_responses"

// Version is the schema version embedded in every encoded fragment.
// Decoders accept any version up to and including this one.
const Version = 2

// Marker is an in-text reference to a persisted response item.
type Marker struct {
	Type  string            // item type, e.g. "reasoning", "function_call"
	ID    string            // item store id (ULID)
	Model string            // originating model, empty if unknown
	Extra map[string]string // additional key-value metadata
}

// Match is a decoded marker together with its byte span in the scanned text.
// The span covers the fragment plus the newline padding the encoder added,
// so removing [Start, End) leaves no rendering artifacts behind.
type Match struct {
	Marker Marker
	Start  int
	End    int
}

// fragmentRe matches the fragment core: an empty markdown link whose target
// is the namespaced reference. Item types are lowercase identifiers, ids are
// URL-safe tokens. The optional query string carries model and extra keys.
var fragmentRe = regexp.MustCompile(
	`\[\]\(` + Namespace + `:v(\d+):([a-z][a-z0-9_]*):([0-9A-Za-z_-]+)(\?[^()\s]*)?\)`,
)

const reservedModelKey = "model"

// Encode produces a renderer-invisible text fragment referencing an item.
// The fragment is padded with newlines so the host renderer treats it as its
// own (empty) block rather than gluing it onto adjacent text.
func Encode(m Marker) string {
	var b strings.Builder
	b.WriteString("\n[](")
	b.WriteString(Namespace)
	b.WriteString(":v")
	b.WriteString(strconv.Itoa(Version))
	b.WriteByte(':')
	b.WriteString(m.Type)
	b.WriteByte(':')
	b.WriteString(m.ID)
	if q := encodeQuery(m); q != "" {
		b.WriteByte('?')
		b.WriteString(q)
	}
	b.WriteString(")\n")
	return b.String()
}

func encodeQuery(m Marker) string {
	keys := make([]string, 0, len(m.Extra)+1)
	if m.Model != "" {
		keys = append(keys, reservedModelKey)
	}
	for k := range m.Extra {
		if k == reservedModelKey {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		v := m.Model
		if k != reservedModelKey || m.Model == "" {
			v = m.Extra[k]
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(v))
	}
	return b.String()
}

// Decode scans text left to right and returns every valid fragment in
// document order. Malformed fragments and versions newer than this decoder
// are left alone: they are treated as ordinary text, never an error.
func Decode(text string) []Match {
	var matches []Match
	for _, loc := range fragmentRe.FindAllStringSubmatchIndex(text, -1) {
		m, ok := parseSubmatch(text, loc)
		if !ok {
			continue
		}
		matches = append(matches, m)
	}
	return matches
}

func parseSubmatch(text string, loc []int) (Match, bool) {
	version, err := strconv.Atoi(text[loc[2]:loc[3]])
	if err != nil || version < 1 || version > Version {
		return Match{}, false
	}

	m := Marker{
		Type: text[loc[4]:loc[5]],
		ID:   text[loc[6]:loc[7]],
	}
	if loc[8] >= 0 {
		query := strings.TrimPrefix(text[loc[8]:loc[9]], "?")
		values, err := url.ParseQuery(query)
		if err != nil {
			// Unparseable metadata invalidates the whole fragment; leave it
			// as plain text rather than guessing.
			return Match{}, false
		}
		for k, vs := range values {
			if len(vs) == 0 {
				continue
			}
			if k == reservedModelKey {
				m.Model = vs[0]
				continue
			}
			if m.Extra == nil {
				m.Extra = make(map[string]string)
			}
			m.Extra[k] = vs[0]
		}
	}

	start, end := loc[0], loc[1]
	// Fold in the padding pair the encoder emitted, when both sides survive.
	// When the fragment separates two words, one newline stays behind so
	// removing the span never glues them together.
	if start > 0 && text[start-1] == '\n' && end < len(text) && text[end] == '\n' {
		joinsWords := start-1 > 0 && !isSpace(text[start-2]) &&
			end+1 < len(text) && !isSpace(text[end+1])
		if !joinsWords {
			start--
		}
		end++
	}
	return Match{Marker: m, Start: start, End: end}, true
}

func isSpace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r':
		return true
	}
	return false
}

// Strip removes every recognized fragment, returning only human-visible
// content. Use it before handing message content to any consumer that must
// not depend on the rendering contract.
func Strip(text string) string {
	matches := Decode(text)
	if len(matches) == 0 {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	prev := 0
	for _, m := range matches {
		b.WriteString(text[prev:m.Start])
		prev = m.End
	}
	b.WriteString(text[prev:])
	return b.String()
}

// String renders the reference portion without delimiters, for logs.
func (m Marker) String() string {
	return fmt.Sprintf("%s:v%d:%s:%s", Namespace, Version, m.Type, m.ID)
}
