package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Recovery strategy names, in cascade order.
const (
	StrategyDirect      = "direct"
	StrategyStripFences = "strip_fences"
	StrategyBracket     = "bracket_extract"
	StrategyRegex       = "regex_extract"
	StrategyRepair      = "heuristic_repair"
	StrategySalvage     = "kv_salvage"
)

// excerptLen bounds the raw text carried by a RecoveryError.
const excerptLen = 200

// maxRepairCuts bounds how many trailing members heuristic repair may drop.
const maxRepairCuts = 8

// Shape is the top-level JSON shape a schema declares.
type Shape int

const (
	// ShapeAny accepts an object or an array.
	ShapeAny Shape = iota
	ShapeObject
	ShapeArray
)

// String returns the string representation of the shape.
func (s Shape) String() string {
	switch s {
	case ShapeObject:
		return "object"
	case ShapeArray:
		return "array"
	}
	return "any"
}

// ShapeOf derives the top-level shape from a JSON Schema.
func ShapeOf(schema map[string]any) Shape {
	if schema == nil {
		return ShapeAny
	}
	switch t := schema["type"].(type) {
	case string:
		switch t {
		case "object":
			return ShapeObject
		case "array":
			return ShapeArray
		}
	case []any:
		// e.g. ["object", "null"]: only decide when exactly one container type is listed.
		var shape Shape
		containers := 0
		for _, v := range t {
			switch v {
			case "object":
				shape = ShapeObject
				containers++
			case "array":
				shape = ShapeArray
				containers++
			}
		}
		if containers == 1 {
			return shape
		}
		return ShapeAny
	}
	if _, ok := schema["properties"]; ok {
		return ShapeObject
	}
	if _, ok := schema["items"]; ok {
		return ShapeArray
	}
	return ShapeAny
}

// accepts reports whether v is a container of this shape. Scalars never count.
func (s Shape) accepts(v any) bool {
	switch v.(type) {
	case map[string]any:
		return s != ShapeArray
	case []any:
		return s != ShapeObject
	}
	return false
}

// RecoveryError is the explicit failure of the cascade.
type RecoveryError struct {
	// Excerpt is a bounded prefix of the raw text, never the full text.
	Excerpt string

	// Length is the length of the raw text in bytes.
	Length int
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("no structured value recovered from %d bytes of output: %q", e.Length, e.Excerpt)
}

func (e *RecoveryError) Unwrap() error {
	return ErrMalformedOutput
}

// Kind is always KindMalformed.
func (e *RecoveryError) Kind() ErrorKind {
	return KindMalformed
}

// Recovery is the outcome of running the cascade over one raw response.
type Recovery struct {
	// Value is the recovered value, nil on failure.
	Value any

	// Strategy is the strategy that produced Value.
	Strategy string

	// Degraded is set when Value came from key-value salvage.
	Degraded bool

	// Attempts lists every strategy tried, in order.
	Attempts []RecoveryAttempt

	// Err is set when every strategy failed.
	Err *RecoveryError
}

// OK reports whether a value was recovered.
func (r *Recovery) OK() bool {
	return r.Err == nil
}

type recoveryInput struct {
	raw    string
	parsed any
	shape  Shape
}

type strategy struct {
	name string
	run  func(in recoveryInput) (candidate string, value any, ok bool)
}

// cascade is the ordered strategy list. First success wins.
var cascade = []strategy{
	{StrategyDirect, recoverDirect},
	{StrategyStripFences, recoverStripFences},
	{StrategyBracket, recoverBracket},
	{StrategyRegex, recoverRegex},
	{StrategyRepair, recoverRepair},
	{StrategySalvage, recoverSalvage},
}

// Recover returns the closest valid JSON value encoded in raw, or an explicit
// failure. parsed is a value the provider SDK already decoded, or nil.
// It is deterministic, has no side effects, and never panics on bad input.
func Recover(raw string, parsed any, shape Shape) *Recovery {
	in := recoveryInput{raw: raw, parsed: parsed, shape: shape}
	rec := &Recovery{Attempts: make([]RecoveryAttempt, 0, len(cascade))}

	for _, s := range cascade {
		candidate, value, ok := s.run(in)
		attempt := RecoveryAttempt{Strategy: s.name, Input: candidate, Success: ok}
		if ok {
			attempt.Output = value
		}
		rec.Attempts = append(rec.Attempts, attempt)

		if ok {
			rec.Value = value
			rec.Strategy = s.name
			rec.Degraded = s.name == StrategySalvage
			return rec
		}
	}

	rec.Err = &RecoveryError{
		Excerpt: Truncate(strings.TrimSpace(raw), excerptLen),
		Length:  len(raw),
	}
	return rec
}

// parseContainer parses s and accepts it only as a container of the given shape.
func parseContainer(s string, shape Shape) (any, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	if !shape.accepts(v) {
		return nil, false
	}
	return v, true
}

func recoverDirect(in recoveryInput) (string, any, bool) {
	switch p := in.parsed.(type) {
	case nil:
		return "", nil, false
	case json.RawMessage:
		v, ok := parseContainer(string(p), in.shape)
		return string(p), v, ok
	case []byte:
		v, ok := parseContainer(string(p), in.shape)
		return string(p), v, ok
	case string:
		v, ok := parseContainer(p, in.shape)
		return p, v, ok
	}

	if in.shape.accepts(in.parsed) {
		return "", in.parsed, true
	}

	// Normalize typed SDK values (structs, map[string]string) to generic JSON.
	data, err := json.Marshal(in.parsed)
	if err != nil {
		return "", nil, false
	}
	v, ok := parseContainer(string(data), in.shape)
	return string(data), v, ok
}

func recoverStripFences(in recoveryInput) (string, any, bool) {
	candidate := stripFences(in.raw)
	v, ok := parseContainer(candidate, in.shape)
	return candidate, v, ok
}

type delimiterPair struct {
	open, close byte
}

// delimiters returns the bracket pairs to target for a shape. For ShapeAny the
// pair with the wider span (first opener to last closer) goes first, so an
// outer container wins over a small one quoted in surrounding prose.
func delimiters(raw string, shape Shape) []delimiterPair {
	object := delimiterPair{'{', '}'}
	array := delimiterPair{'[', ']'}
	switch shape {
	case ShapeObject:
		return []delimiterPair{object}
	case ShapeArray:
		return []delimiterPair{array}
	}
	if span(raw, array) > span(raw, object) {
		return []delimiterPair{array, object}
	}
	return []delimiterPair{object, array}
}

// span is the distance from the first opener to the last closer of d in raw,
// or -1 when raw holds no such pair.
func span(raw string, d delimiterPair) int {
	start := strings.IndexByte(raw, d.open)
	end := strings.LastIndexByte(raw, d.close)
	if start < 0 || end <= start {
		return -1
	}
	return end - start
}

func recoverBracket(in recoveryInput) (string, any, bool) {
	var candidate string
	for _, d := range delimiters(in.raw, in.shape) {
		start := strings.IndexByte(in.raw, d.open)
		end := strings.LastIndexByte(in.raw, d.close)
		if start < 0 || end <= start {
			continue
		}
		candidate = in.raw[start : end+1]
		if v, ok := parseContainer(candidate, in.shape); ok {
			return candidate, v, true
		}
	}
	return candidate, nil, false
}

func recoverRegex(in recoveryInput) (string, any, bool) {
	var candidate string
	for _, d := range delimiters(in.raw, in.shape) {
		block, greedy := jsonBlockPattern, jsonObjectPattern
		if d.open == '[' {
			block, greedy = jsonArrayBlockPattern, jsonArrayPattern
		}

		if m := block.FindStringSubmatch(in.raw); len(m) > 1 {
			candidate = m[1]
			if v, ok := parseContainer(candidate, in.shape); ok {
				return candidate, v, true
			}
		}
		if m := greedy.FindString(in.raw); m != "" {
			candidate = m
			if v, ok := parseContainer(candidate, in.shape); ok {
				return candidate, v, true
			}
		}
	}
	return candidate, nil, false
}

// recoverRepair applies the fix sequence to text starting at the first
// opening bracket, then drops trailing members one at a time if the result
// still does not parse.
func recoverRepair(in recoveryInput) (string, any, bool) {
	text := fencedBody(in.raw)

	start := -1
	for _, d := range delimiters(text, in.shape) {
		if i := strings.IndexByte(text, d.open); i >= 0 && (start < 0 || i < start) {
			start = i
		}
	}
	if start < 0 {
		return "", nil, false
	}

	// cleanJSON strips comments and trailing commas.
	fixed := cleanJSON(text[start:])
	fixed = closeOpenStrings(fixed)
	fixed = insertMissingCommas(fixed)

	body := strings.TrimRight(fixed, " \t\r\n,")
	candidate := closeOpenBrackets(body)
	if v, ok := parseContainer(candidate, in.shape); ok {
		return candidate, v, true
	}

	for cut := 0; cut < maxRepairCuts; cut++ {
		pos := lastCommaOutsideString(body)
		if pos <= 0 {
			break
		}
		body = strings.TrimRight(body[:pos], " \t\r\n,")
		candidate = closeOpenBrackets(body)
		if v, ok := parseContainer(candidate, in.shape); ok {
			return candidate, v, true
		}
	}
	return candidate, nil, false
}

// kvPattern matches "key": value pairs anywhere in the text. Groups: key,
// string value, array value, literal value.
var kvPattern = regexp.MustCompile(
	`"([^"\\\n]+)"\s*:\s*(?:"((?:[^"\\\n]|\\.)*)"|(\[[^\[\]]*\])|(true|false|null|-?\d+(?:\.\d+)?(?:[eE][+-]?\d+)?))`)

// recoverSalvage assembles a best-effort mapping from key-value pairs found
// directly in the raw text. The first occurrence of a key wins. An empty
// mapping is a failure.
func recoverSalvage(in recoveryInput) (string, any, bool) {
	if in.shape == ShapeArray {
		return "", nil, false
	}

	out := make(map[string]any)
	for _, m := range kvPattern.FindAllStringSubmatchIndex(in.raw, -1) {
		key := in.raw[m[2]:m[3]]
		if _, seen := out[key]; seen {
			continue
		}
		switch {
		case m[4] >= 0:
			out[key] = coerceString(in.raw[m[4]:m[5]])
		case m[6] >= 0:
			out[key] = coerceArray(in.raw[m[6]:m[7]])
		case m[8] >= 0:
			out[key] = coerceLiteral(in.raw[m[8]:m[9]])
		}
	}

	if len(out) == 0 {
		return in.raw, nil, false
	}
	return in.raw, out, true
}

func coerceString(s string) string {
	var out string
	if err := json.Unmarshal([]byte(`"`+s+`"`), &out); err == nil {
		return out
	}
	return s
}

func coerceArray(s string) []any {
	var out []any
	if err := json.Unmarshal([]byte(s), &out); err == nil {
		return out
	}

	inner := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(s, "["), "]"))
	out = []any{}
	if inner == "" {
		return out
	}
	for _, part := range strings.Split(inner, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.HasPrefix(part, `"`) && strings.HasSuffix(part, `"`) && len(part) >= 2 {
			out = append(out, coerceString(part[1:len(part)-1]))
			continue
		}
		out = append(out, coerceLiteral(part))
	}
	return out
}

// coerceLiteral converts a bare literal. Numbers become float64 to match
// what encoding/json produces for a faithful parse.
func coerceLiteral(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return float64(i)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return strings.Trim(s, `"'`)
}
