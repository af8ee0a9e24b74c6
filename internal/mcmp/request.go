package mcmp

import (
	"fmt"
	"strings"
)

// RequestType is one MCMP verb
type RequestType int

const (
	TypeConfig RequestType = iota
	TypeEnableApp
	TypeDisableApp
	TypeStopApp
	TypeRemoveApp
	TypeStatus
	TypeDump
	TypeInfo
	TypePing
)

var requestCommands = map[RequestType]string{
	TypeConfig:     "CONFIG",
	TypeEnableApp:  "ENABLE-APP",
	TypeDisableApp: "DISABLE-APP",
	TypeStopApp:    "STOP-APP",
	TypeRemoveApp:  "REMOVE-APP",
	TypeStatus:     "STATUS",
	TypeDump:       "DUMP",
	TypeInfo:       "INFO",
	TypePing:       "PING",
}

// Command returns the verb as written on the request line
func (t RequestType) Command() string {
	if c, ok := requestCommands[t]; ok {
		return c
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(t))
}

func (t RequestType) String() string { return t.Command() }

// EstablishesServer reports whether a 200 answer to this verb means the
// proxy now knows about this node.
func (t RequestType) EstablishesServer() bool {
	switch t {
	case TypeConfig, TypeEnableApp, TypeDisableApp, TypeStopApp:
		return true
	}
	return false
}

// Param is one name=value pair of a request body
type Param struct {
	Name  string
	Value string
}

// Request is an immutable MCMP operation. Parameter order is kept so the
// encoded body is deterministic.
type Request struct {
	typ      RequestType
	wildcard bool
	route    string
	params   []Param
}

// NewRequest builds a request. An empty route means the request is not
// scoped to a node.
func NewRequest(typ RequestType, wildcard bool, route string, params ...Param) *Request {
	cp := make([]Param, len(params))
	copy(cp, params)
	return &Request{typ: typ, wildcard: wildcard, route: route, params: cp}
}

func (r *Request) Type() RequestType { return r.typ }
func (r *Request) Wildcard() bool    { return r.wildcard }
func (r *Request) Route() string     { return r.route }

// Parameters returns a copy of the ordered parameters
func (r *Request) Parameters() []Param {
	cp := make([]Param, len(r.params))
	copy(cp, r.params)
	return cp
}

// Param looks up a parameter by name
func (r *Request) Param(name string) (string, bool) {
	for _, p := range r.params {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

func (r *Request) String() string {
	var b strings.Builder
	b.WriteString(r.typ.Command())
	if r.wildcard {
		b.WriteString(" *")
	}
	if r.route != "" {
		b.WriteString(" route=" + r.route)
	}
	for _, p := range r.params {
		b.WriteString(" " + p.Name + "=" + p.Value)
	}
	return b.String()
}
