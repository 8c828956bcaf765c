package helper

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	validFormat = regexp.MustCompile(`^[\d\s\+\-\(\)]+$`)
	nonDigits   = regexp.MustCompile(`[^\d]`)
)

// FormatTargetJID converts a send target to transport JID form. Group and
// full JIDs pass through; bare phone numbers get the default user server.
func FormatTargetJID(target string) (string, error) {
	// Sudah berbentuk JID (group / user), biarkan apa adanya.
	if strings.Contains(target, "@") {
		return target, nil
	}

	if !validFormat.MatchString(target) {
		return "", fmt.Errorf("invalid phone number format: contains invalid characters")
	}

	// Hapus semua karakter kecuali digit
	cleaned := nonDigits.ReplaceAllString(target, "")

	if len(cleaned) < 8 || len(cleaned) > 15 {
		return "", fmt.Errorf("invalid phone number length")
	}

	// Nomor lokal 0xxx dianggap sudah termasuk country code oleh pemanggil;
	// kita hanya strip leading zero ganda.
	cleaned = strings.TrimLeft(cleaned, "0")
	if cleaned == "" {
		return "", fmt.Errorf("phone number is empty after normalization")
	}

	return cleaned + "@s.whatsapp.net", nil
}

// ExtractPhoneFromJID strips device and server parts from a JID.
// "6285148107612:43@s.whatsapp.net" -> "6285148107612"
func ExtractPhoneFromJID(jid string) string {
	atSplit := strings.SplitN(jid, "@", 2)
	if len(atSplit) == 0 {
		return jid
	}
	beforeAt := atSplit[0]
	colonSplit := strings.SplitN(beforeAt, ":", 2)
	return colonSplit[0]
}
