package seigen

import (
	"net/http"

	"github.com/KanavDutta/seigen/core"
)

// HTTPRequest exposes an *http.Request to rule predicates.
func HTTPRequest(r *http.Request) core.RequestView {
	return httpRequest{r: r}
}

type httpRequest struct {
	r *http.Request
}

func (h httpRequest) Method() string            { return h.r.Method }
func (h httpRequest) Path() string              { return h.r.URL.Path }
func (h httpRequest) RemoteAddr() string        { return h.r.RemoteAddr }
func (h httpRequest) Header(name string) string { return h.r.Header.Get(name) }
