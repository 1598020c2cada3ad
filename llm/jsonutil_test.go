package llm

import (
	"encoding/json"
	"testing"
)

func TestStripFences(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "json fence",
			input:    "```json\n{\"a\": 1}\n```",
			expected: `{"a": 1}`,
		},
		{
			name:     "bare fence",
			input:    "```\n[1, 2]\n```",
			expected: `[1, 2]`,
		},
		{
			name:     "no fence",
			input:    `  {"a": 1}  `,
			expected: `{"a": 1}`,
		},
		{
			name:     "backticks inside string kept",
			input:    "```json\n{\"s\": \"use ```go blocks```\"}\n```",
			expected: "{\"s\": \"use ```go blocks```\"}",
		},
		{
			name:     "fence after prose left alone",
			input:    "Sure:\n```json\n{\"a\": 1}",
			expected: "Sure:\n```json\n{\"a\": 1}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := stripFences(tt.input)
			if got != tt.expected {
				t.Errorf("stripFences(%q)\ngot:  %q\nwant: %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestFencedBody(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "block between prose",
			input:    "Sure!\n```json\n{\"a\": 1,}\n```\nThanks",
			expected: `{"a": 1,}`,
		},
		{
			name:     "unclosed block runs to end",
			input:    "Here:\n```json\n{\"a\": [1, 2",
			expected: `{"a": [1, 2`,
		},
		{
			name:     "inline backticks do not close the block",
			input:    "```json\n{\"s\": \"x ``` y\"}\n```",
			expected: "{\"s\": \"x ``` y\"}",
		},
		{
			name:     "no fence",
			input:    ` {"a": 1} `,
			expected: `{"a": 1}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fencedBody(tt.input)
			if got != tt.expected {
				t.Errorf("fencedBody(%q)\ngot:  %q\nwant: %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestStripLineComment(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "no comment",
			input:    `  "key": "value",`,
			expected: `  "key": "value",`,
		},
		{
			name:     "trailing comment",
			input:    `  "key": "value",  // a comment`,
			expected: `  "key": "value",`,
		},
		{
			name:     "URL in string preserved",
			input:    `  "url": "http://example.com",`,
			expected: `  "url": "http://example.com",`,
		},
		{
			name:     "URL with trailing comment",
			input:    `  "url": "http://example.com",  // the url`,
			expected: `  "url": "http://example.com",`,
		},
		{
			name:     "whole line comment",
			input:    `  // This is a comment`,
			expected: ``,
		},
		{
			name:     "escaped quote in string",
			input:    `  "path": "a\"b//c",  // comment`,
			expected: `  "path": "a\"b//c",`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := stripLineComment(tt.input)
			if got != tt.expected {
				t.Errorf("stripLineComment(%q)\ngot:  %q\nwant: %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestCleanJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{
			name:  "trailing comma in array",
			input: `{"items": ["one", "two",]}`,
		},
		{
			name:  "trailing comma in object",
			input: `{"a": 1, "b": 2,}`,
		},
		{
			name:  "comments and trailing commas",
			input: "{\n  \"items\": [\n    \"one\",  // first\n    \"two\",  // second\n  ]\n}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := cleanJSON(tt.input)

			var parsed any
			if err := json.Unmarshal([]byte(result), &parsed); err != nil {
				t.Fatalf("cleaned JSON is invalid: %v\nresult: %s", err, result)
			}
		})
	}
}

func TestCloseOpenStrings(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "value cut mid-string",
			input:    `{"a": "unterminated`,
			expected: `{"a": "unterminated"`,
		},
		{
			name:     "array element cut mid-string",
			input:    "[\n  \"one\",\n  \"tw",
			expected: "[\n  \"one\",\n  \"tw\"",
		},
		{
			name:     "balanced line unchanged",
			input:    `{"a": "b"}`,
			expected: `{"a": "b"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := closeOpenStrings(tt.input)
			if got != tt.expected {
				t.Errorf("closeOpenStrings(%q)\ngot:  %q\nwant: %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestInsertMissingCommas(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "between members",
			input:    `{"a": 1 "b": 2}`,
			expected: `{"a": 1 ,"b": 2}`,
		},
		{
			name:     "between strings",
			input:    `["x" "y"]`,
			expected: `["x" ,"y"]`,
		},
		{
			name:     "between objects",
			input:    `[{"a":1} {"b":2}]`,
			expected: `[{"a":1} ,{"b":2}]`,
		},
		{
			name:     "after literal",
			input:    "{\"ok\": true\n\"n\": null}",
			expected: "{\"ok\": true\n,\"n\": null}",
		},
		{
			name:     "valid JSON unchanged",
			input:    `{"a": [1, 2], "b": "c d"}`,
			expected: `{"a": [1, 2], "b": "c d"}`,
		},
		{
			name:     "escaped quotes inside string",
			input:    `{"s": "he said \"hi\" there"}`,
			expected: `{"s": "he said \"hi\" there"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := insertMissingCommas(tt.input)
			if got != tt.expected {
				t.Errorf("insertMissingCommas(%q)\ngot:  %q\nwant: %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestCloseOpenBrackets(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "nested array in object",
			input:    `{"a": [1, 2`,
			expected: `{"a": [1, 2]}`,
		},
		{
			name:     "open string",
			input:    `{"a": "b`,
			expected: `{"a": "b"}`,
		},
		{
			name:     "objects in array",
			input:    `[{"a": 1}, {"b": 2`,
			expected: `[{"a": 1}, {"b": 2}]`,
		},
		{
			name:     "brackets inside strings ignored",
			input:    `{"a": "[{"`,
			expected: `{"a": "[{"}`,
		},
		{
			name:     "balanced unchanged",
			input:    `{"a": 1}`,
			expected: `{"a": 1}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := closeOpenBrackets(tt.input)
			if got != tt.expected {
				t.Errorf("closeOpenBrackets(%q)\ngot:  %q\nwant: %q", tt.input, got, tt.expected)
			}
			var parsed any
			if err := json.Unmarshal([]byte(got), &parsed); err != nil {
				t.Errorf("closed JSON is invalid: %v\nresult: %s", err, got)
			}
		})
	}
}

func TestLastCommaOutsideString(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int
	}{
		{name: "comma after string with comma", input: `{"a": "x,y", "b": 1`, want: 11},
		{name: "only inside string", input: `"a,b"`, want: -1},
		{name: "none", input: `{"a": 1}`, want: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := lastCommaOutsideString(tt.input); got != tt.want {
				t.Errorf("lastCommaOutsideString(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}
