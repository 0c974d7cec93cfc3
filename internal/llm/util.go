package llm

import "strings"

// CleanJSONBlock strips a markdown code fence from a model response.
// Models wrap JSON in ```json ... ``` blocks even when instructed not to.
func CleanJSONBlock(text string) string {
	text = strings.TrimSpace(text)
	body, fenced := strings.CutPrefix(text, "```")
	if !fenced {
		return text
	}

	// The fence opener may carry an info string ("json", "javascript").
	// Drop it unless the rest of the line already looks like payload.
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		info := strings.TrimSpace(body[:nl])
		if info == "" || (len(info) < 20 && !strings.ContainsAny(info, " {[")) {
			body = body[nl+1:]
		}
	} else {
		body = strings.TrimPrefix(body, "json")
	}

	if end := strings.LastIndex(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}
