package crawler

import "strings"

// hostBlocklist matches hosts against exact names and "*.suffix" / ".suffix"
// wildcards. A nil blocklist blocks nothing.
type hostBlocklist struct {
	exact    map[string]struct{}
	suffixes []string
}

func newHostBlocklist(patterns []string) *hostBlocklist {
	b := &hostBlocklist{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.ToLower(strings.TrimSpace(raw))
		if value == "" {
			continue
		}
		suffix, isWildcard := strings.CutPrefix(value, "*.")
		if !isWildcard {
			suffix, isWildcard = strings.CutPrefix(value, ".")
		}
		if !isWildcard {
			b.exact[value] = struct{}{}
			continue
		}
		if suffix != "" && !containsString(b.suffixes, suffix) {
			b.suffixes = append(b.suffixes, suffix)
		}
	}
	if len(b.exact) == 0 && len(b.suffixes) == 0 {
		return nil
	}
	return b
}

func (b *hostBlocklist) Blocks(host string) bool {
	if b == nil {
		return false
	}
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return false
	}
	if _, ok := b.exact[host]; ok {
		return true
	}
	for _, suffix := range b.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
