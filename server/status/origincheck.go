package status

import (
	"net/http"
)

// originCheck pins each status route to the exact Origin header it
// may be called with; the page itself has none, the log download only
// the page's own origin. Everything else is forbidden, and framing is
// denied throughout.
type originCheck struct {
	handler http.Handler
	allowed map[string]string
}

const (
	originHeader      string = "Origin"
	frameOriginHeader string = "X-Frame-Options"
)

func (o *originCheck) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get(originHeader)

	if o.allowed[r.URL.Path] != origin {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	w.Header().Set(frameOriginHeader, "DENY")
	o.handler.ServeHTTP(w, r)
}

func OriginCheck(allowed map[string]string) func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		return &originCheck{
			allowed: allowed,
			handler: h,
		}
	}
}
