package protocol

import (
	"errors"
	"strings"
)

var (
	ErrInvalidPacket = errors.New("invalid packet format")
)

// Packet is one control socket command or reply: TYPE|field|field...
type Packet struct {
	Type   string
	Fields []string
}

// Field returns the i-th field or "" when absent.
func (p *Packet) Field(i int) string {
	if i < 0 || i >= len(p.Fields) {
		return ""
	}
	return p.Fields[i]
}

func ParsePacket(line string) (*Packet, error) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	if line == "" {
		return nil, ErrInvalidPacket
	}

	parts := splitUnescaped(line, '|')
	pkt := &Packet{Type: unescape(parts[0])}
	for _, part := range parts[1:] {
		pkt.Fields = append(pkt.Fields, unescape(part))
	}

	return pkt, nil
}

// FormatPacket escapes every field and joins them, newline terminated.
func FormatPacket(pktType string, fields ...string) string {
	parts := make([]string, 0, len(fields)+1)
	parts = append(parts, Escape(pktType))
	for _, field := range fields {
		parts = append(parts, Escape(field))
	}
	return strings.Join(parts, "|") + "\n"
}

// splitUnescaped splits on delimiter, skipping escaped delimiters. Escape
// sequences are kept so that unescape can decode each part.
func splitUnescaped(s string, delimiter rune) []string {
	var parts []string
	var current strings.Builder
	escape := false

	for _, r := range s {
		switch {
		case escape:
			escape = false
		case r == '\\':
			escape = true
		case r == delimiter:
			parts = append(parts, current.String())
			current.Reset()
			continue
		}
		current.WriteRune(r)
	}

	return append(parts, current.String())
}

func unescape(s string) string {
	var result strings.Builder
	escape := false

	for _, r := range s {
		if !escape {
			if r == '\\' {
				escape = true
				continue
			}
			result.WriteRune(r)
			continue
		}

		escape = false
		switch r {
		case '|', ',', '\\':
			result.WriteRune(r)
		case 'n':
			result.WriteRune('\n')
		case 'r':
			result.WriteRune('\r')
		default:
			// unknown escapes are kept verbatim
			result.WriteRune('\\')
			result.WriteRune(r)
		}
	}

	// trailing lone backslash
	if escape {
		result.WriteRune('\\')
	}

	return result.String()
}

// Escape encodes the characters that carry meaning in a control packet.
func Escape(s string) string {
	var result strings.Builder

	for _, r := range s {
		switch r {
		case '|':
			result.WriteString(`\|`)
		case ',':
			result.WriteString(`\,`)
		case '\\':
			result.WriteString(`\\`)
		case '\n':
			result.WriteString(`\n`)
		case '\r':
			result.WriteString(`\r`)
		default:
			result.WriteRune(r)
		}
	}

	return result.String()
}
