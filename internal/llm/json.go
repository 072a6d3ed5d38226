package llm

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/appeal-assistant/evolution/pkg/apperr"
)

// ExtractJSON pulls the first JSON object or array out of model output,
// tolerating markdown fences and prose around it.
func ExtractJSON(op, content string) (gjson.Result, error) {
	text := strings.TrimSpace(content)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if end := strings.LastIndex(text, "```"); end >= 0 {
			text = text[:end]
		}
		text = strings.TrimSpace(text)
	}

	if gjson.Valid(text) {
		res := gjson.Parse(text)
		if res.IsObject() || res.IsArray() {
			return res, nil
		}
	}

	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return gjson.Result{}, &apperr.MalformedResponseError{Op: op, Reason: "no JSON document in response"}
	}
	closer := byte('}')
	if text[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(text, closer)
	if end <= start {
		return gjson.Result{}, &apperr.MalformedResponseError{Op: op, Reason: "unterminated JSON document"}
	}

	candidate := text[start : end+1]
	if !gjson.Valid(candidate) {
		return gjson.Result{}, &apperr.MalformedResponseError{Op: op, Reason: "invalid JSON document"}
	}
	return gjson.Parse(candidate), nil
}

// RequireNumber reads path as a number within [min, max].
func RequireNumber(op string, doc gjson.Result, path string, min, max float64) (float64, error) {
	v := doc.Get(path)
	if !v.Exists() || v.Type != gjson.Number {
		return 0, &apperr.MalformedResponseError{Op: op, Reason: path + " must be a number"}
	}
	f := v.Float()
	if f < min || f > max {
		return 0, &apperr.MalformedResponseError{Op: op, Reason: path + " out of range"}
	}
	return f, nil
}

// RequireString reads path as a non-empty string.
func RequireString(op string, doc gjson.Result, path string) (string, error) {
	v := doc.Get(path)
	if v.Type != gjson.String || strings.TrimSpace(v.String()) == "" {
		return "", &apperr.MalformedResponseError{Op: op, Reason: path + " must be a non-empty string"}
	}
	return v.String(), nil
}
