package status

import (
	"fmt"
	"sort"
	"strings"
)

const (
	quotaPhrase  = "forbidden: exceeded quota"
	quotaLimited = "limited: "
)

// FormatDuration renders seconds as e.g. 1h2m3s. Seconds are left out once the duration reaches a
// day.
func FormatDuration(seconds int) string {
	if seconds <= 0 {
		return "0s"
	}

	days := seconds / 86400
	hours := seconds % 86400 / 3600
	minutes := seconds % 3600 / 60
	seconds = seconds % 60

	b := strings.Builder{}
	if days > 0 {
		fmt.Fprintf(&b, "%dd", days)
	}
	if hours > 0 {
		fmt.Fprintf(&b, "%dh", hours)
	}
	if minutes > 0 {
		fmt.Fprintf(&b, "%dm", minutes)
	}
	if seconds > 0 && days == 0 {
		fmt.Fprintf(&b, "%ds", seconds)
	}
	return b.String()
}

// QuotaError summarizes which quotas a "exceeded quota" error message hit, based on the resources
// listed after its last "limited: " marker.
func QuotaError(message string) string {
	idx := strings.LastIndex(message, quotaLimited)
	if idx < 0 {
		return "out of quota"
	}

	seen := map[string]bool{}
	var types []string
	for _, entry := range strings.Split(message[idx+len(quotaLimited):], ",") {
		name, _, _ := strings.Cut(entry, "=")
		name = strings.TrimSpace(name)
		name = strings.TrimPrefix(name, "requests.")
		name = strings.TrimPrefix(name, "limits.")
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		types = append(types, name)
	}
	if len(types) == 0 {
		return "out of quota"
	}

	sort.Strings(types)
	return "out of quota for " + strings.Join(types, ", ")
}

func isQuotaError(message string) bool {
	return strings.Contains(message, quotaPhrase)
}

// category strips durations and timestamps from a short status.
func category(short string) string {
	for _, prefix := range []string{runningFor, lastSchedule, unableToStart} {
		if strings.HasPrefix(short, prefix) {
			return prefix
		}
	}
	return short
}
