package phonefleet

import "strings"

// EnvDeviceAllowlist restricts device discovery to the listed serials,
// separated by commas, semicolons, pipes or whitespace:
//
//	PHONEFLEET_DEVICE_ALLOWLIST="192.168.1.20:5555,emulator-5554"
const EnvDeviceAllowlist = "PHONEFLEET_DEVICE_ALLOWLIST"

func parseDeviceAllowlist(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', '\n', '\r', '\t', ' ', '|':
			return true
		default:
			return false
		}
	})
	return normalizeDeviceAllowlist(parts)
}

// normalizeDeviceAllowlist trims, dedups and keeps first-seen order.
func normalizeDeviceAllowlist(serials []string) []string {
	if len(serials) == 0 {
		return nil
	}
	out := make([]string, 0, len(serials))
	seen := make(map[string]struct{}, len(serials))
	for _, serial := range serials {
		trimmed := strings.TrimSpace(serial)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

func buildDeviceAllowlistSet(serials []string) map[string]struct{} {
	if len(serials) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(serials))
	for _, serial := range serials {
		set[serial] = struct{}{}
	}
	return set
}

// allowed reports whether serial passes the allowlist; an empty set allows all.
func allowed(set map[string]struct{}, serial string) bool {
	if len(set) == 0 {
		return true
	}
	_, ok := set[strings.TrimSpace(serial)]
	return ok
}
