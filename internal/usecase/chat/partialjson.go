package chat

import (
	"encoding/json"
	"strconv"
	"strings"
)

// completeJSON closes a JSON document that was cut off mid-stream so it can
// be decoded. Dangling keys become null, dangling separators are dropped and
// unfinished escapes are removed from the open string.
func completeJSON(s string) string {
	type frame struct {
		closer    byte
		expectKey bool
		afterKey  bool
	}
	var (
		stack    []frame
		inString bool
		escape   bool
		isKey    bool
	)

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escape:
				escape = false
			case c == '\\':
				escape = true
			case c == '"':
				inString = false
				if isKey && len(stack) > 0 {
					stack[len(stack)-1].afterKey = true
				}
			}
			continue
		}
		switch c {
		case '"':
			inString = true
			isKey = len(stack) > 0 && stack[len(stack)-1].closer == '}' && stack[len(stack)-1].expectKey
		case '{':
			stack = append(stack, frame{closer: '}', expectKey: true})
		case '[':
			stack = append(stack, frame{closer: ']'})
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case ':':
			if len(stack) > 0 {
				stack[len(stack)-1].expectKey = false
				stack[len(stack)-1].afterKey = false
			}
		case ',':
			if len(stack) > 0 && stack[len(stack)-1].closer == '}' {
				stack[len(stack)-1].expectKey = true
			}
		}
	}

	var b strings.Builder
	b.Grow(len(s) + len(stack) + 8)

	if inString {
		b.WriteString(trimPartialEscape(s, escape))
		b.WriteByte('"')
		if isKey {
			b.WriteString(":null")
		}
	} else {
		tail := strings.TrimRight(s, " \t\r\n")
		tail = trimPartialLiteral(tail)
		switch {
		case strings.HasSuffix(tail, ","):
			tail = tail[:len(tail)-1]
		case strings.HasSuffix(tail, ":"):
			tail += "null"
		case len(stack) > 0 && stack[len(stack)-1].afterKey:
			tail += ":null"
		}
		b.WriteString(tail)
	}

	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i].closer)
	}
	return b.String()
}

// trimPartialEscape removes a trailing backslash, an unfinished \uXXXX, or a
// high surrogate still waiting for its low half. A lone high surrogate would
// decode to U+FFFD and change once the rest of the pair arrives.
func trimPartialEscape(s string, danglingBackslash bool) string {
	if danglingBackslash {
		return s[:len(s)-1]
	}
	i := strings.LastIndex(s, `\u`)
	if i < 0 || !unescapedAt(s, i) {
		return s
	}
	switch {
	case len(s)-i < 6:
		return s[:i]
	case len(s)-i == 6 && isHighSurrogate(s[i+2:]):
		return s[:i]
	}
	return s
}

// unescapedAt reports whether the backslash at s[i] starts an escape.
func unescapedAt(s string, i int) bool {
	n := 0
	for j := i - 1; j >= 0 && s[j] == '\\'; j-- {
		n++
	}
	return n%2 == 0
}

func isHighSurrogate(hex string) bool {
	v, err := strconv.ParseUint(hex, 16, 16)
	return err == nil && v >= 0xD800 && v <= 0xDBFF
}

// trimPartialLiteral drops an unfinished true/false/null or number at the end.
func trimPartialLiteral(s string) string {
	end := len(s)
	start := end
	for start > 0 && strings.IndexByte("abcdefghijklmnopqrstuvwxyz0123456789.+-E", s[start-1]) >= 0 {
		start--
	}
	if start == end {
		return s
	}
	lit := s[start:end]
	var v any
	if json.Unmarshal([]byte(lit), &v) == nil {
		return s
	}
	return strings.TrimRight(s[:start], " \t\r\n")
}

// stringArgument extracts a top-level string field from possibly incomplete
// JSON object text.
func stringArgument(args, key string) (string, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(completeJSON(args)), &obj); err != nil {
		return "", false
	}
	v, ok := obj[key].(string)
	return v, ok
}

// isStructured reports whether function arguments are a JSON object rather
// than raw code.
func isStructured(args string) bool {
	return strings.HasPrefix(strings.TrimLeft(args, " \t\r\n"), "{")
}
