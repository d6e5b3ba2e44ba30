package handlers

import (
	"net/http"

	"github.com/vango-go/vai-relay/pkg/gateway/apierror"
	"github.com/vango-go/vai-relay/pkg/gateway/mw"
)

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	apierror.Write(w, reqID, &apierror.Error{
		Type:    apierror.ErrNotFound,
		Message: "not found",
	}, http.StatusNotFound)
}
