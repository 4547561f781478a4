// Package info provides utility functions for manipulating info lines returned
// by the modem in response to AT commands.
package info

import "strings"

// HasPrefix returns true if the line begins with the info prefix for the command.
func HasPrefix(line, cmd string) bool {
	return strings.HasPrefix(line, cmd+":")
}

// TrimPrefix removes the command  prefix, if any, and any intervening space
// from the info line.
func TrimPrefix(line, cmd string) string {
	return strings.TrimLeft(strings.TrimPrefix(line, cmd+":"), " ")
}

// Fields splits the (already trimmed) content of an info line into its
// comma separated fields, respecting double quoted strings so that a comma
// inside a quoted field (such as a caller name) does not split it.
//
// e.g. `"SM",5,10` -> [`"SM"`, `5`, `10`]
func Fields(content string) []string {
	var fields []string
	inQuotes := false
	start := 0
	for i, r := range content {
		switch r {
		case '"':
			inQuotes = !inQuotes
		case ',':
			if !inQuotes {
				fields = append(fields, content[start:i])
				start = i + 1
			}
		}
	}
	fields = append(fields, content[start:])
	return fields
}

// Unquote removes a single pair of surrounding double quotes, if present.
func Unquote(field string) string {
	field = strings.TrimSpace(field)
	if len(field) >= 2 && field[0] == '"' && field[len(field)-1] == '"' {
		return field[1 : len(field)-1]
	}
	return field
}
