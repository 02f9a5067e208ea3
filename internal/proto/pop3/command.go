// Package pop3 classifies POP3/POP3S wire traffic observed by the proxy's
// relay so it can drive STARTTLS interception, content logging, and
// filter-rule matching without ever acting as a POP3 server itself.
package pop3

import (
	"fmt"
	"strings"
)

// ParseCommand parses a client command line into its command name and
// arguments. It is the same line grammar a POP3 server would use to parse
// a request, but here the result only ever feeds logging/filtering — the
// proxy relays the real server's response unmodified.
func ParseCommand(line string) (string, []string, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", nil, fmt.Errorf("empty command")
	}

	parts := strings.Fields(line)
	if len(parts) == 0 {
		return "", nil, fmt.Errorf("empty command")
	}

	return strings.ToUpper(parts[0]), parts[1:], nil
}

// IsPositiveReply reports whether a line from the real server is a "+OK"
// status reply, as opposed to "-ERR" or a multi-line data line.
func IsPositiveReply(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), "+OK")
}
