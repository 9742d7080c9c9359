// Package jsonrepair performs best-effort recovery of truncated or
// malformed LLM output into parseable JSON. Oracle responses are frequently
// cut off at a token budget; naive parsing would discard an entire pass's
// work for a single dangling bracket.
package jsonrepair

import (
	"encoding/json"
	"strings"
)

// Recover locates the first top-level {...} span in raw text and parses it.
// If direct parsing fails, it appends the minimum closing tokens needed to
// balance unmatched braces, brackets, and quotes, then retries once.
// It never panics; the second return value reports success.
func Recover(raw string) (interface{}, bool) {
	span := extractSpan(raw)
	if span == "" {
		return nil, false
	}

	var v interface{}
	if err := json.Unmarshal([]byte(span), &v); err == nil {
		return v, true
	}

	repaired := span + closersFor(span)
	if err := json.Unmarshal([]byte(repaired), &v); err == nil {
		return v, true
	}
	return nil, false
}

// Decode is Recover with a typed destination. The extracted span is
// unmarshaled directly into dst, retrying with synthesized closers when
// the span is truncated.
func Decode(raw string, dst interface{}) bool {
	span := extractSpan(raw)
	if span == "" {
		return false
	}
	if err := json.Unmarshal([]byte(span), dst); err == nil {
		return true
	}
	if err := json.Unmarshal([]byte(span+closersFor(span)), dst); err == nil {
		return true
	}
	return false
}

// extractSpan returns the substring from the first '{' to the matching
// closing brace, or to end of input if the object is truncated.
//
// It is safe to iterate bytes for ASCII delimiters ({, }, ", \) because
// UTF-8 guarantees ASCII bytes never appear inside a multi-byte sequence.
func extractSpan(s string) string {
	start := strings.IndexByte(s, '{')
	if start == -1 {
		return ""
	}

	var depth int
	var inString, escape bool
	for i := start; i < len(s); i++ {
		b := s[i]
		if escape {
			escape = false
			continue
		}
		if inString {
			if b == '\\' {
				escape = true
			} else if b == '"' {
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}

	// Truncated object: return everything from the first brace.
	return s[start:]
}

// closersFor computes the closing tokens that balance a truncated span:
// one quote if a string is left open, then the matching closer for each
// unmatched '{' or '[' in reverse open order.
func closersFor(s string) string {
	var stack []byte
	var inString, escape bool
	for i := 0; i < len(s); i++ {
		b := s[i]
		if escape {
			escape = false
			continue
		}
		if inString {
			if b == '\\' {
				escape = true
			} else if b == '"' {
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, b)
		case '}':
			if n := len(stack); n > 0 && stack[n-1] == '{' {
				stack = stack[:n-1]
			}
		case ']':
			if n := len(stack); n > 0 && stack[n-1] == '[' {
				stack = stack[:n-1]
			}
		}
	}

	var sb strings.Builder
	if inString {
		sb.WriteByte('"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			sb.WriteByte('}')
		} else {
			sb.WriteByte(']')
		}
	}
	return sb.String()
}
