package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// payloadLimit caps how much of a wire payload reaches a log line.
const payloadLimit = 4 << 10

// FormatPayload renders an HTTP body or realtime event payload for logs.
// JSON is re-indented, binary frames are summarised by size and long text
// is clipped.
func FormatPayload(raw []byte) string {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "<empty>"
	}
	if !utf8.Valid(raw) {
		return fmt.Sprintf("<%d bytes binary>", len(raw))
	}
	text := strings.TrimSpace(string(raw))

	// Some servers double-encode: "{\"message\":...}".
	var inner string
	if json.Unmarshal([]byte(text), &inner) == nil {
		text = strings.TrimSpace(inner)
	}
	if decoded, ok := decodeJSONContainer(text); ok {
		if pretty, err := marshalPrettyJSON(decoded); err == nil {
			text = pretty
		}
	}
	if len(text) > payloadLimit {
		return fmt.Sprintf("%s... (%d bytes)", text[:payloadLimit], len(text))
	}
	return text
}
