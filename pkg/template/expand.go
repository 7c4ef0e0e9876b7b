// Package template expands placeholders in operator-supplied name templates
// such as the restore VM name.
package template

import (
	"fmt"
	"os"
	"os/user"
	"runtime"
	"strings"
	"time"
)

// Expand expands template placeholders in the input string using the current time.
//
// Supported placeholders:
//
//	{date}      - Current date in YYYY-MM-DD format
//	{time}      - Current time in HH:MM:SS format
//	{stamp}     - Compact UTC timestamp YYYYmmdd-HHMMSS, safe for resource names
//	{iso8601}   - Current time in ISO 8601 format
//	{unix}      - Current Unix timestamp
//	{user}      - Current operator username
//	{hostname}  - Operator hostname
//	{arch}      - Operator architecture (e.g., amd64, arm64)
//
// Custom values can be provided via the vars map, which will override
// built-in placeholders.
func Expand(text string, vars map[string]string) string {
	return ExpandAt(text, time.Now(), vars)
}

// ExpandAt is Expand with an explicit clock.
func ExpandAt(text string, now time.Time, vars map[string]string) string {
	placeholders := map[string]string{
		"date":    now.Format("2006-01-02"),
		"time":    now.Format("15:04:05"),
		"stamp":   now.UTC().Format("20060102-150405"),
		"iso8601": now.Format(time.RFC3339),
		"unix":    fmt.Sprintf("%d", now.Unix()),
	}

	if u, err := user.Current(); err == nil {
		placeholders["user"] = u.Username
	} else {
		placeholders["user"] = "unknown"
	}

	if h, err := os.Hostname(); err == nil {
		placeholders["hostname"] = strings.Split(h, ".")[0]
	} else {
		placeholders["hostname"] = "unknown"
	}

	placeholders["arch"] = runtime.GOARCH

	for k, v := range vars {
		placeholders[k] = v
	}

	result := text
	for key, value := range placeholders {
		result = strings.ReplaceAll(result, "{"+key+"}", value)
	}

	return result
}
