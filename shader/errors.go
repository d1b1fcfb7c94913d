package shader

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	// ERROR: 0:12: 'foo' : undeclared identifier
	angleError = regexp.MustCompile(`(?:ERROR|WARNING):\s*\d+:(\d+):\s*(.*)`)
	// 0(12) : error C1008: undefined variable "foo"
	nvidiaError = regexp.MustCompile(`\d+\((\d+)\)\s*:\s*(?:error|warning)\s*(?:\w+)?\s*:?\s*(.*)`)
)

// ParseLineErrors maps a driver or translator log onto user line numbers.
// Entries that fall inside the wrapper preamble are dropped.
func ParseLineErrors(log string, lineOffset int) map[int][]string {
	out := make(map[int][]string)
	for _, line := range strings.Split(log, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m := angleError.FindStringSubmatch(line)
		if m == nil {
			m = nvidiaError.FindStringSubmatch(line)
		}
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		userLine := n - lineOffset
		if userLine < 1 {
			continue
		}
		out[userLine] = append(out[userLine], strings.TrimSpace(m[2]))
	}
	return out
}
