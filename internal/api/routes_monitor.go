package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/rcond/internal/util"
)

// handleSystem returns host information with current CPU and memory usage.
func (s *Server) handleSystem(c *gin.Context) {
	resp := gin.H{"system": util.GetSystemInfo()}

	if usage, err := util.GetCPUUsage(); err == nil {
		resp["cpu_percent"] = usage
	}
	if mem, err := util.GetMemoryUsage(); err == nil {
		resp["memory"] = mem
	}
	c.JSON(http.StatusOK, resp)
}

// handleLogs returns the newest entries of the current daemon log.
func (s *Server) handleLogs(c *gin.Context) {
	count := queryInt(c, "count", 100, 1, 1000)

	logDir := s.cfg.GetApplicationData().Logging.Directory
	entries, err := readRecentLogEntries(logDir, count)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// logEntry is a parsed log entry for the API response.
type logEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Component string                 `json:"component,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// knownLogKeys are zerolog fields lifted out of "fields".
var knownLogKeys = map[string]bool{
	"level": true, "time": true, "message": true,
	"caller": true, "app": true, "component": true,
}

// readRecentLogEntries parses the last count JSON lines of the newest
// rcond log file.
func readRecentLogEntries(logDir string, count int) ([]logEntry, error) {
	matches, err := filepath.Glob(filepath.Join(logDir, "rcond_*.log"))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return []logEntry{}, nil
	}
	// Date-stamped names sort chronologically.
	sort.Strings(matches)
	latest := matches[len(matches)-1]

	f, err := os.Open(latest)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", latest, err)
	}
	defer f.Close()

	// Keep a sliding window of the last count lines.
	lines := make([]string, 0, count)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if len(lines) == count {
			lines = lines[1:]
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", latest, err)
	}

	result := make([]logEntry, 0, len(lines))
	for _, line := range lines {
		var raw map[string]interface{}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			// Not valid JSON, include as a plain message
			result = append(result, logEntry{Message: line})
			continue
		}

		entry := logEntry{
			Level:     stringFromMap(raw, "level"),
			Message:   stringFromMap(raw, "message"),
			Component: stringFromMap(raw, "component"),
			Timestamp: stringFromMap(raw, "time"),
		}

		extra := make(map[string]interface{})
		for k, v := range raw {
			if !knownLogKeys[k] {
				extra[k] = v
			}
		}
		if len(extra) > 0 {
			entry.Fields = extra
		}
		result = append(result, entry)
	}

	return result, nil
}

// stringFromMap extracts a string value from a map, returning "" if missing.
func stringFromMap(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return ""
}
