package llm

import "strings"

// ExtractJSONObject returns the span from the first '{' to the last '}' of a
// model response, with markdown code fences removed. ok is false when the
// response holds no brace pair.
func ExtractJSONObject(content string) (string, bool) {
	content = strings.TrimSpace(content)

	// Strip markdown code fences if present
	if strings.HasPrefix(content, "```") {
		lines := strings.Split(content, "\n")
		if len(lines) > 2 {
			content = strings.Join(lines[1:len(lines)-1], "\n")
		}
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < 0 || end <= start {
		return strings.TrimSpace(content), false
	}
	return content[start : end+1], true
}

// RepairJSONLines keeps only the lines of s that look like parts of a JSON
// object: braces and "key": value lines. It recovers objects wrapped in
// commentary that sits on its own lines.
func RepairJSONLines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	var kept []string
	for _, line := range strings.Split(s, "\n") {
		ls := strings.TrimSpace(line)
		switch {
		case ls == "":
		case strings.HasPrefix(ls, "{"), strings.HasPrefix(ls, "}"):
			kept = append(kept, line)
		case strings.HasPrefix(ls, `"`) && strings.Contains(ls, `":`):
			kept = append(kept, line)
		}
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
