// Package conversation supplies free-text snippets from conversation logs
// and journal pages as supporting context for resynthesis.
package conversation

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"
)

// entry is a single line in a JSONL conversation log.
type entry struct {
	Type      string          `json:"type"` // "user", "assistant", "system"
	Timestamp time.Time       `json:"timestamp"`
	Message   json.RawMessage `json:"message"`
}

type message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"` // string or []contentItem
}

type contentItem struct {
	Type string `json:"type"` // "text", "tool_use", "tool_result"
	Text string `json:"text,omitempty"`
}

// Turn is one parsed conversational message.
type Turn struct {
	Role      string
	Text      string
	Timestamp time.Time
}

var systemReminderRe = regexp.MustCompile(`<system-reminder>[\s\S]*?</system-reminder>`)

// ParseFile reads a JSONL conversation log.
func ParseFile(path string) ([]Turn, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open conversation: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads JSONL conversation turns. Malformed lines, tool payloads and
// very short messages are skipped.
func Parse(r io.Reader) ([]Turn, error) {
	var turns []Turn
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024) // 1MB line buffer

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		t, err := parseLine(line)
		if err != nil || t == nil {
			continue
		}
		turns = append(turns, *t)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	return turns, nil
}

func parseLine(line []byte) (*Turn, error) {
	var e entry
	if err := json.Unmarshal(line, &e); err != nil {
		return nil, err
	}
	if e.Type != "user" && e.Type != "assistant" || e.Message == nil {
		return nil, nil
	}

	var msg message
	if err := json.Unmarshal(e.Message, &msg); err != nil {
		return nil, err
	}

	text := systemReminderRe.ReplaceAllString(extractText(msg.Content), "")
	text = strings.TrimSpace(text)
	if len(text) < 5 || strings.HasPrefix(text, "{") {
		return nil, nil
	}

	role := msg.Role
	if role == "" {
		role = e.Type
	}
	return &Turn{Role: role, Text: text, Timestamp: e.Timestamp}, nil
}

// extractText handles the polymorphic content field.
func extractText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var items []contentItem
	if err := json.Unmarshal(raw, &items); err == nil {
		var texts []string
		for _, item := range items {
			if item.Type == "text" && item.Text != "" {
				texts = append(texts, item.Text)
			}
		}
		return strings.Join(texts, "\n")
	}
	return ""
}
