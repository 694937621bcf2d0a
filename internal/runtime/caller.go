package runtime

import (
	"net/http"
	"strings"

	"github.com/Kristopherlb/harmony-sub001/internal/console"
	"github.com/Kristopherlb/harmony-sub001/internal/errs"
	"github.com/Kristopherlb/harmony-sub001/internal/rbac"
)

// Identity headers set by the authenticating proxy in front of the HTTP transport.
const (
	HeaderUserID   = "X-Harmony-User-Id"
	HeaderUserName = "X-Harmony-User-Name"
	HeaderRole     = "X-Harmony-Role"
)

// CallerResolver derives the caller of a tool call.
type CallerResolver struct {
	// Fallback is used when the request carries no identity headers (stdio).
	Fallback *console.Caller
}

// Resolve reads identity headers; a request without them gets the fallback caller.
func (r CallerResolver) Resolve(h http.Header) (console.Caller, error) {
	id := ""
	if h != nil {
		id = strings.TrimSpace(h.Get(HeaderUserID))
	}
	if id == "" {
		if r.Fallback != nil {
			return *r.Fallback, nil
		}
		return console.Caller{}, &errs.PermissionError{Message: "caller identity required"}
	}
	role, err := rbac.ParseRole(h.Get(HeaderRole))
	if err != nil {
		return console.Caller{}, &errs.PermissionError{Message: "caller role is missing or unknown"}
	}
	name := strings.TrimSpace(h.Get(HeaderUserName))
	if name == "" {
		name = id
	}
	return console.Caller{ID: id, Name: name, Role: role}, nil
}
