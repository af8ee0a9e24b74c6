package mcmp

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/modcluster/mod-cluster-sub001/internal/topology"
)

var (
	ErrUnknownNode        = errors.New("record references unknown node")
	ErrUnknownVirtualHost = errors.New("record references unknown virtual host")
	ErrMalformedRecord    = errors.New("malformed record")
)

// Status is the state of a context as reported by a proxy
type Status int

const (
	StatusEnabled Status = iota
	StatusDisabled
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusEnabled:
		return "ENABLED"
	case StatusDisabled:
		return "DISABLED"
	case StatusStopped:
		return "STOPPED"
	}
	return "UNKNOWN"
}

// ParseStatus maps the proxy's status vocabulary
func ParseStatus(s string) (Status, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ENABLED":
		return StatusEnabled, nil
	case "DISABLED":
		return StatusDisabled, nil
	case "STOPPED":
		return StatusStopped, nil
	}
	return 0, fmt.Errorf("%w: unknown context status %q", ErrMalformedRecord, s)
}

// VirtualHost is a proxy-side virtual host: its aliases and the status of
// each context path it knows.
type VirtualHost struct {
	Aliases  map[string]struct{}
	Contexts map[string]Status
}

func newVirtualHost() *VirtualHost {
	return &VirtualHost{Aliases: make(map[string]struct{}), Contexts: make(map[string]Status)}
}

// AliasList returns the aliases sorted
func (v *VirtualHost) AliasList() []string {
	out := make([]string, 0, len(v.Aliases))
	for a := range v.Aliases {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// HasAlias reports whether name is one of the aliases
func (v *VirtualHost) HasAlias(name string) bool {
	_, ok := v.Aliases[name]
	return ok
}

// Inventory is a proxy's view of the nodes it knows, keyed by route
type Inventory map[string][]*VirtualHost

// ResponseParser decodes MCMP response bodies
type ResponseParser struct{}

// NewResponseParser returns a parser. The parser is stateless.
func NewResponseParser() *ResponseParser { return &ResponseParser{} }

// ParseInfoResponse decodes an INFO body into an Inventory. Records must
// arrive nodes first, then vhosts, then contexts.
func (p *ResponseParser) ParseInfoResponse(response string) (Inventory, error) {
	result := make(Inventory)
	if strings.TrimSpace(response) == "" {
		return result, nil
	}

	nodes := make(map[int]string)
	hosts := make(map[int]map[int]*VirtualHost)

	for n, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		entries := strings.Split(line, ",")
		tag, idGroup, ok := splitPair(entries[0])
		if !ok {
			continue
		}

		switch tag {
		case "Node":
			ids, err := parseIDs(idGroup)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", n+1, err)
			}
			route, found := lookupField(entries[1:], "Name")
			if !found {
				continue
			}
			nodes[ids[0]] = route
			if _, exists := result[route]; !exists {
				result[route] = nil
			}

		case "Vhost":
			ids, err := parseIDs(idGroup)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", n+1, err)
			}
			if len(ids) < 2 {
				return nil, fmt.Errorf("line %d: %w: vhost id %q", n+1, ErrMalformedRecord, idGroup)
			}
			route, known := nodes[ids[0]]
			if !known {
				return nil, fmt.Errorf("line %d: %w: node %d", n+1, ErrUnknownNode, ids[0])
			}
			byID, exists := hosts[ids[0]]
			if !exists {
				byID = make(map[int]*VirtualHost)
				hosts[ids[0]] = byID
			}
			host, exists := byID[ids[1]]
			if !exists {
				host = newVirtualHost()
				byID[ids[1]] = host
				result[route] = append(result[route], host)
			}
			if alias, found := lookupField(entries[1:], "Alias"); found && alias != "" {
				host.Aliases[alias] = struct{}{}
			}

		case "Context":
			ids, err := parseIDs(idGroup)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", n+1, err)
			}
			if len(ids) < 2 {
				return nil, fmt.Errorf("line %d: %w: context id %q", n+1, ErrMalformedRecord, idGroup)
			}
			if _, known := nodes[ids[0]]; !known {
				return nil, fmt.Errorf("line %d: %w: node %d", n+1, ErrUnknownNode, ids[0])
			}
			host, known := hosts[ids[0]][ids[1]]
			if !known {
				return nil, fmt.Errorf("line %d: %w: vhost %d of node %d", n+1, ErrUnknownVirtualHost, ids[1], ids[0])
			}
			path, hasPath := lookupField(entries[1:], "Context")
			rawStatus, hasStatus := lookupField(entries[1:], "Status")
			if !hasPath || !hasStatus {
				continue
			}
			status, err := ParseStatus(rawStatus)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", n+1, err)
			}
			host.Contexts[topology.NormalizePath(path)] = status
		}
	}
	return result, nil
}

// ParsePingResponse reports whether a PING answer carries State=OK
func (p *ResponseParser) ParsePingResponse(response string) bool {
	state, ok := simpleField(response, "State")
	return ok && state == "OK"
}

// ParseStopAppResponse returns the pending request count of a STOP-APP
// answer, 0 when absent or malformed.
func (p *ResponseParser) ParseStopAppResponse(response string) int {
	raw, ok := simpleField(response, "Requests")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

// simpleField extracts one key from an "a=b&c=d" line
func simpleField(response, key string) (string, bool) {
	response = strings.TrimSpace(response)
	if response == "" {
		return "", false
	}
	for _, pair := range strings.Split(response, "&") {
		k, v, found := strings.Cut(pair, "=")
		if found && strings.TrimSpace(k) == key {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

// splitPair splits "Key: value" at the first colon
func splitPair(s string) (string, string, bool) {
	k, v, found := strings.Cut(s, ":")
	if !found {
		return "", "", false
	}
	return strings.TrimSpace(k), strings.TrimSpace(v), true
}

func lookupField(entries []string, key string) (string, bool) {
	for _, e := range entries {
		if k, v, ok := splitPair(e); ok && k == key {
			return v, true
		}
	}
	return "", false
}

// parseIDs accepts "[3]" or "[1:2:3]"
func parseIDs(group string) ([]int, error) {
	group = strings.TrimSpace(group)
	if !strings.HasPrefix(group, "[") || !strings.HasSuffix(group, "]") {
		return nil, fmt.Errorf("%w: id group %q", ErrMalformedRecord, group)
	}
	parts := strings.Split(group[1:len(group)-1], ":")
	ids := make([]int, 0, len(parts))
	for _, part := range parts {
		id, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("%w: id group %q", ErrMalformedRecord, group)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
