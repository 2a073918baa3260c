package transport

import (
	"fmt"
	"strings"
)

const (
	// SubqueueSeparator separates a queue format name from a subqueue name.
	SubqueueSeparator = ";"
	// DestinationSeparator joins the format names of a multi-destination target.
	DestinationSeparator = ","
)

// Subqueue returns the format name of subqueue sub of queue.
func Subqueue(queue, sub string) string {
	base, _ := SplitSubqueue(queue)
	return base + SubqueueSeparator + sub
}

// SplitSubqueue splits a format name into its queue and subqueue parts.
// The subqueue is empty for a main queue.
func SplitSubqueue(formatName string) (queue, sub string) {
	if i := strings.Index(formatName, SubqueueSeparator); i >= 0 {
		return formatName[:i], formatName[i+1:]
	}
	return formatName, ""
}

// IsMulticast reports whether formatName addresses more than one destination.
func IsMulticast(formatName string) bool {
	return strings.Contains(formatName, DestinationSeparator)
}

// SplitDestinations splits a comma-joined target into its destinations,
// dropping blanks.
func SplitDestinations(formatName string) []string {
	parts := strings.Split(formatName, DestinationSeparator)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// JoinDestinations builds a multi-destination target.
func JoinDestinations(names ...string) string {
	return strings.Join(names, DestinationSeparator)
}

// ValidateFormatName rejects empty names, empty subqueue parts and nested subqueues.
func ValidateFormatName(formatName string) error {
	for _, dest := range strings.Split(formatName, DestinationSeparator) {
		dest = strings.TrimSpace(dest)
		if dest == "" {
			return fmt.Errorf("%w: %q", ErrInvalidFormatName, formatName)
		}
		queue, sub := SplitSubqueue(dest)
		if queue == "" || strings.Contains(sub, SubqueueSeparator) {
			return fmt.Errorf("%w: %q", ErrInvalidFormatName, formatName)
		}
		if strings.Contains(dest, SubqueueSeparator) && sub == "" {
			return fmt.Errorf("%w: %q", ErrInvalidFormatName, formatName)
		}
	}
	return nil
}
