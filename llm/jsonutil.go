package llm

import (
	"regexp"
	"strings"
)

// Pre-compiled regex patterns for JSON extraction from model responses.
var (
	// leadingFencePattern matches an opening fence line at the very start of a response.
	leadingFencePattern = regexp.MustCompile("^\\s*```[\\w-]*[ \\t]*\\n?")
	// trailingFencePattern matches a closing fence at the very end of a response.
	trailingFencePattern = regexp.MustCompile("\\n?[ \\t]*```\\s*$")
	// fencedBodyPattern matches the body of the first fenced block. The closing
	// fence must start a line, so backticks inside JSON strings never end it.
	fencedBodyPattern = regexp.MustCompile("(?s)(?:^|\\n)[ \\t]*```[\\w-]*[ \\t]*\\n(.*?)(?:\\n[ \\t]*```|\\z)")
	// jsonBlockPattern matches JSON inside markdown code blocks: ```json { ... } ```
	jsonBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
	// jsonObjectPattern matches any JSON object (greedy fallback).
	jsonObjectPattern = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	// jsonArrayBlockPattern matches JSON arrays inside markdown code blocks.
	jsonArrayBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\[.*\\])\\s*```")
	// jsonArrayPattern matches any JSON array (greedy fallback).
	jsonArrayPattern = regexp.MustCompile(`(?s)\[[\s\S]*\]`)
	// trailingCommaPattern matches trailing commas before ] or }.
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
	// openStringValuePattern matches a line ending inside a string value or array element.
	openStringValuePattern = regexp.MustCompile(`(?::\s*"[^"]*|^\s*"[^"]*)$`)
)

// stripFences removes an opening fence at the start and a closing fence at the
// end, plus surrounding whitespace. Backticks elsewhere are content.
func stripFences(content string) string {
	content = leadingFencePattern.ReplaceAllString(content, "")
	content = trailingFencePattern.ReplaceAllString(content, "")
	return strings.TrimSpace(content)
}

// fencedBody returns the body of the first fenced block in content, or the
// whole content when it has no fence. An unclosed block runs to the end.
func fencedBody(content string) string {
	if m := fencedBodyPattern.FindStringSubmatch(content); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return stripFences(content)
}

// cleanJSON removes JavaScript-style comments and trailing commas from JSON.
// Models commonly produce these invalid JSON artifacts.
func cleanJSON(raw string) string {
	lines := strings.Split(raw, "\n")
	cleaned := make([]string, 0, len(lines))
	for _, line := range lines {
		cleaned = append(cleaned, stripLineComment(line))
	}
	result := strings.Join(cleaned, "\n")

	return trailingCommaPattern.ReplaceAllString(result, "$1")
}

// stripLineComment removes a // comment from a JSON line, respecting string values.
// For example:
//
//	"path/to/file.js",          // This is a comment  → "path/to/file.js",
//	"url": "http://example.com" // comment             → "url": "http://example.com"
//	"url": "http://example.com"                        → "url": "http://example.com" (no change)
func stripLineComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}

	inString := false
	escaped := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if !inString && ch == '/' && i+1 < len(line) && line[i+1] == '/' {
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}

// countQuotes counts unescaped double quotes in a line.
func countQuotes(line string) int {
	n := 0
	escaped := false
	for i := 0; i < len(line); i++ {
		switch {
		case escaped:
			escaped = false
		case line[i] == '\\':
			escaped = true
		case line[i] == '"':
			n++
		}
	}
	return n
}

// closeOpenStrings appends a closing quote to lines that end inside a string value.
func closeOpenStrings(raw string) string {
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		trimmed := strings.TrimRight(line, " \t\r")
		if countQuotes(trimmed)%2 == 1 && openStringValuePattern.MatchString(trimmed) {
			lines[i] = trimmed + `"`
		}
	}
	return strings.Join(lines, "\n")
}

// insertMissingCommas adds the comma a model dropped between two adjacent
// values, e.g. `"a" "b"`, `} {` or `1\n"next": 2`. Outside strings, a value end
// followed directly by a value start is never valid JSON.
func insertMissingCommas(raw string) string {
	var b strings.Builder
	b.Grow(len(raw) + 8)

	inString := false
	escaped := false
	var prev byte
	for i := 0; i < len(raw); i++ {
		ch := raw[i]
		if inString {
			b.WriteByte(ch)
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
				prev = '"'
			}
			continue
		}

		switch ch {
		case ' ', '\t', '\n', '\r':
			b.WriteByte(ch)
			continue
		case '"', '{', '[':
			if endsValue(prev) {
				b.WriteByte(',')
			}
		}

		b.WriteByte(ch)
		if ch == '"' {
			inString = true
		} else {
			prev = ch
		}
	}
	return b.String()
}

// endsValue reports whether a byte can be the last byte of a complete JSON value.
func endsValue(ch byte) bool {
	switch {
	case ch == '"', ch == '}', ch == ']':
		return true
	case ch >= '0' && ch <= '9':
		return true
	case ch == 'e', ch == 'l': // true, false, null
		return true
	}
	return false
}

// closeOpenBrackets appends whatever closes the unbalanced brackets (and an
// open string) at the end of raw, innermost first.
func closeOpenBrackets(raw string) string {
	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(raw); i++ {
		ch := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == ch {
				stack = stack[:len(stack)-1]
			}
		}
	}

	if !inString && len(stack) == 0 {
		return raw
	}

	var b strings.Builder
	b.WriteString(raw)
	if inString {
		if escaped {
			b.WriteByte('\\')
		}
		b.WriteByte('"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return b.String()
}

// lastCommaOutsideString returns the index of the last comma that is not
// inside a string, or -1.
func lastCommaOutsideString(raw string) int {
	last := -1
	inString := false
	escaped := false
	for i := 0; i < len(raw); i++ {
		ch := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case ',':
			last = i
		}
	}
	return last
}
