package history

import "strings"

// transport server suffixes that must not leak into normalized ids
var jidSuffixes = []string{
	"@s.whatsapp.net",
	"@c.us",
	"@g.us",
	"@broadcast",
	"@lid",
	"@newsletter",
}

// NormalizeID strips the device part and server suffix from a transport id.
// "6285148107612:43@s.whatsapp.net" -> "6285148107612"
func NormalizeID(id string) string {
	for _, suffix := range jidSuffixes {
		id = strings.TrimSuffix(id, suffix)
	}
	if at := strings.Index(id, "@"); at >= 0 {
		id = id[:at]
	}
	if colon := strings.Index(id, ":"); colon >= 0 {
		id = id[:colon]
	}
	return id
}

// IsGroupID reports whether a raw transport id refers to a group chat.
func IsGroupID(id string) bool {
	return strings.HasSuffix(id, "@g.us")
}
