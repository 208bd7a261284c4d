package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/yeager620/savant-ai-sub000/internal/store"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readJSONList decodes stdin holding either one object or an array of them.
func readJSONList[T any](r io.Reader) ([]T, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading stdin: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("expected JSON on stdin")
	}
	if data[0] == '[' {
		var list []T
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("decoding stdin: %w", err)
		}
		return list, nil
	}
	var one T
	if err := json.Unmarshal(data, &one); err != nil {
		return nil, fmt.Errorf("decoding stdin: %w", err)
	}
	return []T{one}, nil
}

// storageTime converts a YYYY-MM-DD or RFC 3339 flag to storage format.
// A day-only value with endOfDay set means the start of the next day.
func storageTime(flag, value string, endOfDay bool) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", nil
	}
	if t, err := time.ParseInLocation("2006-01-02", value, time.UTC); err == nil {
		if endOfDay {
			t = t.Add(24 * time.Hour)
		}
		return store.FormatTime(t), nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return "", fmt.Errorf("--%s: expected YYYY-MM-DD or RFC 3339, got %q", flag, value)
	}
	return store.FormatTime(t), nil
}
