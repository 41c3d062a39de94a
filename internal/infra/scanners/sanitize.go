package scanners

import (
	"bytes"
	"fmt"
	"unicode/utf8"
)

// TrimToJSON drops everything before the first '{'. Tools routinely print
// banners or warnings ahead of their JSON document.
func TrimToJSON(b []byte) []byte {
	if i := bytes.IndexByte(b, '{'); i >= 0 {
		return b[i:]
	}
	return b
}

// TrimToJSONArray is TrimToJSON for documents that may be a top-level array.
func TrimToJSONArray(b []byte) []byte {
	obj := bytes.IndexByte(b, '{')
	arr := bytes.IndexByte(b, '[')
	if arr >= 0 && (obj < 0 || arr < obj) {
		return b[arr:]
	}
	return TrimToJSON(b)
}

// SanitizeJSON escapes raw control characters inside string literals and
// drops stray ones outside them.
func SanitizeJSON(b []byte) []byte {
	out := make([]byte, 0, len(b))
	inString, escaped := false, false
	for _, c := range b {
		if inString {
			switch {
			case escaped:
				escaped = false
				out = append(out, c)
			case c == '\\':
				escaped = true
				out = append(out, c)
			case c == '"':
				inString = false
				out = append(out, c)
			case c < 0x20:
				out = append(out, escapeControl(c)...)
			default:
				out = append(out, c)
			}
			continue
		}
		if c == '"' {
			inString = true
		}
		if c < 0x20 && c != '\n' && c != '\r' && c != '\t' {
			continue
		}
		out = append(out, c)
	}
	return out
}

func escapeControl(c byte) []byte {
	switch c {
	case '\n':
		return []byte(`\n`)
	case '\r':
		return []byte(`\r`)
	case '\t':
		return []byte(`\t`)
	default:
		return []byte(fmt.Sprintf(`\u%04x`, c))
	}
}

// CleanJSON trims and sanitizes a captured JSON object.
func CleanJSON(b []byte) []byte { return SanitizeJSON(TrimToJSON(b)) }

// TrimToXML drops everything before the XML declaration, or before
// <nmaprun when the declaration is missing.
func TrimToXML(b []byte) []byte {
	if i := bytes.Index(b, []byte("<?xml")); i >= 0 {
		return b[i:]
	}
	if i := bytes.Index(b, []byte("<nmaprun")); i >= 0 {
		return b[i:]
	}
	return b
}

var (
	commentOpen  = []byte("<!--")
	commentClose = []byte("-->")
)

// StripXMLComments removes every comment. An unterminated "<!--" is removed
// up to the next '>'. nmap writes its full command line into a comment, and
// arguments such as "--script" make that comment invalid XML.
func StripXMLComments(b []byte) []byte {
	var out bytes.Buffer
	for {
		i := bytes.Index(b, commentOpen)
		if i < 0 {
			out.Write(b)
			return out.Bytes()
		}
		out.Write(b[:i])
		rest := b[i+len(commentOpen):]
		if j := bytes.Index(rest, commentClose); j >= 0 {
			b = rest[j+len(commentClose):]
			continue
		}
		if j := bytes.IndexByte(rest, '>'); j >= 0 {
			b = rest[j+1:]
			continue
		}
		return out.Bytes()
	}
}

// DropInvalidXMLChars removes characters outside the XML 1.0 Char production
// and invalid UTF-8 bytes.
func DropInvalidXMLChars(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size <= 1 {
			b = b[1:]
			continue
		}
		if validXMLChar(r) {
			out = append(out, b[:size]...)
		}
		b = b[size:]
	}
	return out
}

func validXMLChar(r rune) bool {
	return r == 0x09 || r == 0x0A || r == 0x0D ||
		(r >= 0x20 && r <= 0xD7FF) ||
		(r >= 0xE000 && r <= 0xFFFD) ||
		(r >= 0x10000 && r <= 0x10FFFF)
}

// CleanXML trims and sanitizes a captured XML document.
func CleanXML(b []byte) []byte {
	return StripXMLComments(DropInvalidXMLChars(TrimToXML(b)))
}
