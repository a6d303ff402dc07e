package dialogue

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// ParseToolCall extracts the first tool call written into generated text.
// Three notations are recognised, tried in order:
//
//	<tool_call>{"name": "book_appointment", "arguments": {...}}</tool_call>
//	{"tool": "get_available_slots", "args": {...}}
//	CALL: get_available_slots(visit_type="general", days_to_search=7)
//
// In the first two forms the tool name may be keyed "name" or "tool" and the
// arguments "arguments" or "args"; arguments may also be a JSON string. The
// returned request carries a fresh call id and the matched text in RawSource.
func ParseToolCall(text string) (ToolCallRequest, bool) {
	if req, ok := parseTagged(text); ok {
		return req, true
	}
	if req, ok := parseBareJSON(text); ok {
		return req, true
	}
	return parseCallNotation(text)
}

const (
	openTag  = "<tool_call>"
	closeTag = "</tool_call>"
)

func parseTagged(text string) (ToolCallRequest, bool) {
	start := strings.Index(text, openTag)
	if start < 0 {
		return ToolCallRequest{}, false
	}
	end := strings.Index(text[start:], closeTag)
	if end < 0 {
		return ToolCallRequest{}, false
	}
	end += start
	req, ok := fromJSON(text[start+len(openTag) : end])
	if !ok {
		return ToolCallRequest{}, false
	}
	req.RawSource = text[start : end+len(closeTag)]
	return req, true
}

// parseBareJSON returns the first complete object naming a known tool. An
// unclosed brace does not end the scan, so a stray "{" in speech cannot hide
// a call that follows it. Objects nested in an unclosed one are candidates
// too, which is why unknown names are skipped here.
func parseBareJSON(text string) (ToolCallRequest, bool) {
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		end := matchBrace(text, i)
		if end < 0 {
			continue
		}
		req, ok := fromJSON(text[i : end+1])
		if _, known := requiredArgs[req.Name]; ok && known {
			req.RawSource = text[i : end+1]
			return req, true
		}
	}
	return ToolCallRequest{}, false
}

// matchBrace returns the index of the brace closing the one at open, skipping
// braces inside JSON strings, or -1 when the object is not yet complete.
func matchBrace(s string, open int) int {
	depth := 0
	inString, escaped := false, false
	for i := open; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func fromJSON(raw string) (ToolCallRequest, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &obj); err != nil {
		return ToolCallRequest{}, false
	}
	name, _ := obj["name"].(string)
	if name == "" {
		name, _ = obj["tool"].(string)
	}
	if name == "" {
		return ToolCallRequest{}, false
	}
	args := map[string]any{}
keys:
	for _, key := range []string{"arguments", "args"} {
		switch v := obj[key].(type) {
		case map[string]any:
			args = v
			break keys
		case string:
			var decoded map[string]any
			if json.Unmarshal([]byte(v), &decoded) == nil && decoded != nil {
				args = decoded
				break keys
			}
		}
	}
	return ToolCallRequest{Name: name, Arguments: args, CallID: uuid.NewString()}, true
}

var callNotation = regexp.MustCompile(`CALL:\s*([A-Za-z_][A-Za-z0-9_]*)\s*\(`)

func parseCallNotation(text string) (ToolCallRequest, bool) {
	loc := callNotation.FindStringSubmatchIndex(text)
	if loc == nil {
		return ToolCallRequest{}, false
	}
	name := text[loc[2]:loc[3]]
	args, end, ok := parseCallArgs(text, loc[1])
	if !ok {
		return ToolCallRequest{}, false
	}
	return ToolCallRequest{
		Name:      name,
		Arguments: args,
		CallID:    uuid.NewString(),
		RawSource: text[loc[0]:end],
	}, true
}

// parseCallArgs reads key=value pairs starting at pos (just past the opening
// parenthesis) up to the closing parenthesis. Values are quoted strings or
// bare tokens; bare numbers and booleans are typed. It returns the offset just
// past the closing parenthesis.
func parseCallArgs(s string, pos int) (map[string]any, int, bool) {
	args := map[string]any{}
	i := pos
	skipSpace := func() {
		for i < len(s) && unicode.IsSpace(rune(s[i])) {
			i++
		}
	}
	for {
		skipSpace()
		if i >= len(s) {
			return nil, 0, false
		}
		if s[i] == ')' {
			return args, i + 1, true
		}
		keyStart := i
		for i < len(s) && (s[i] == '_' || unicode.IsLetter(rune(s[i])) || unicode.IsDigit(rune(s[i]))) {
			i++
		}
		key := s[keyStart:i]
		skipSpace()
		if key == "" || i >= len(s) || (s[i] != '=' && s[i] != ':') {
			return nil, 0, false
		}
		i++
		skipSpace()
		if i >= len(s) {
			return nil, 0, false
		}
		var value any
		if q := s[i]; q == '"' || q == '\'' {
			end := i + 1
			var b strings.Builder
			for end < len(s) && s[end] != q {
				if s[end] == '\\' && end+1 < len(s) {
					end++
				}
				b.WriteByte(s[end])
				end++
			}
			if end >= len(s) {
				return nil, 0, false
			}
			value = b.String()
			i = end + 1
		} else {
			start := i
			for i < len(s) && s[i] != ',' && s[i] != ')' {
				i++
			}
			value = typedToken(strings.TrimSpace(s[start:i]))
		}
		args[key] = value
		skipSpace()
		if i < len(s) && s[i] == ',' {
			i++
		}
	}
}

func typedToken(tok string) any {
	switch strings.ToLower(tok) {
	case "true":
		return true
	case "false":
		return false
	}
	if f, err := strconv.ParseFloat(tok, 64); err == nil && len(tok) < 10 {
		return f
	}
	return tok
}
