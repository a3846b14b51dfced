package handlers

import (
	"fmt"
	"net/http"

	"github.com/vango-go/roomgate/pkg/core"
	"github.com/vango-go/roomgate/pkg/gateway/mw"
)

// NotFoundHandler answers unrouted paths with the JSON error envelope.
type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	writeCoreErrorJSON(w, reqID, core.NewNotFoundError(fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path), "route_not_found"), http.StatusNotFound)
}
