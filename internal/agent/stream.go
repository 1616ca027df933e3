package agent

import "strings"

// messageExtractor pulls the "message" string value out of a structured
// reply as it streams in, so callers can display text before the full object
// exists. Output is optimistic display only; the final parse of the complete
// reply is authoritative and this extractor never influences it.
type messageExtractor struct {
	buf     strings.Builder
	emitted int
}

func newMessageExtractor() *messageExtractor {
	return &messageExtractor{}
}

// Feed accumulates a raw fragment and returns any newly available message
// text, already unescaped. Returns "" until the message value starts
// appearing and after it has closed.
func (e *messageExtractor) Feed(raw string) string {
	e.buf.WriteString(raw)

	s := e.buf.String()
	idx := strings.Index(s, `"message"`)
	if idx < 0 {
		return ""
	}
	s = s[idx+len(`"message"`):]

	// Skip to the opening quote of the value.
	colon := strings.IndexByte(s, ':')
	if colon < 0 {
		return ""
	}
	s = s[colon+1:]
	open := strings.IndexByte(s, '"')
	if open < 0 {
		return ""
	}
	s = s[open+1:]

	decoded := decodePartialString(s)
	if e.emitted >= len(decoded) {
		return ""
	}
	out := decoded[e.emitted:]
	e.emitted = len(decoded)
	return out
}

// decodePartialString decodes a possibly unterminated JSON string body,
// stopping at the closing quote or at a trailing escape that needs more
// input.
func decodePartialString(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			return b.String()
		case '\\':
			if i+1 >= len(s) {
				// Incomplete escape; wait for the next fragment.
				return b.String()
			}
			i++
			switch s[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			case '"', '\\', '/':
				b.WriteByte(s[i])
			case 'u':
				if i+4 >= len(s) {
					return b.String()
				}
				// Rare in chat text; pass through unexpanded rather than
				// risk emitting a half-decoded rune.
				b.WriteString(s[i-1 : i+5])
				i += 4
			default:
				b.WriteByte(s[i])
			}
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
