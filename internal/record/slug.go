package record

import (
	"fmt"
	"regexp"
	"strings"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// Slugify derives a filename-safe slug from a title: lowercase,
// unreserved ASCII, hyphen-joined, with runs of separators collapsed.
func Slugify(title string) string {
	var b strings.Builder
	lastHyphen := true // suppress leading hyphen
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// ValidSlug reports whether s satisfies the slug shape rule.
func ValidSlug(s string) bool {
	return s != "" && slugPattern.MatchString(s)
}

// NumberedSlug appends the collision counter used when a slug is already
// taken under the same type: "noise", 2 -> "noise-2".
func NumberedSlug(base string, n int) string {
	if n <= 1 {
		return base
	}
	return fmt.Sprintf("%s-%d", base, n)
}

// ResourceID names the lock resource for a record.
func ResourceID(recordType, slug string) string {
	return fmt.Sprintf("record:%s/%s", recordType, slug)
}
