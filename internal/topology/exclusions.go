package topology

import (
	"fmt"
	"strings"
)

// anyHost keys exclusions configured without a host
const anyHost = "*"

// Exclusions is the set of contexts never announced to proxies
type Exclusions map[string]map[string]struct{}

// ParseExclusions reads entries of the form "host:/path" or "/path". An
// entry without a host applies to every host.
func ParseExclusions(entries []string) (Exclusions, error) {
	ex := make(Exclusions)
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		host, path := anyHost, entry
		if i := strings.Index(entry, ":"); i >= 0 {
			host, path = strings.TrimSpace(entry[:i]), strings.TrimSpace(entry[i+1:])
			if host == "" {
				return nil, fmt.Errorf("excluded context %q: empty host", entry)
			}
		}
		path = NormalizePath(path)
		if path == "ROOT" {
			path = "/"
		}
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		if ex[host] == nil {
			ex[host] = make(map[string]struct{})
		}
		ex[host][path] = struct{}{}
	}
	return ex, nil
}

// Excluded reports whether path on host must be skipped
func (e Exclusions) Excluded(host, path string) bool {
	if len(e) == 0 {
		return false
	}
	path = NormalizePath(path)
	if _, ok := e[anyHost][path]; ok {
		return true
	}
	_, ok := e[host][path]
	return ok
}
