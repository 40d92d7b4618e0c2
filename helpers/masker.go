package helpers

import "strings"

// MaskSensitive redacts the credential part of a protocol line before it is
// logged. For a verb listed in sensitive, everything after the verb and its
// first argument (the SASL mechanism for AUTH) becomes [REDACTED]. Other
// lines are returned unchanged.
func MaskSensitive(line, command string, sensitive ...string) string {
	if !containsFold(sensitive, command) {
		return line
	}
	fields := strings.Fields(line)
	if len(fields) < 3 || !strings.EqualFold(fields[0], command) {
		return line
	}
	return fields[0] + " " + fields[1] + " [REDACTED]"
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
