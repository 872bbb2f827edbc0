package handlers

import (
	"net/http"

	"github.com/vango-go/vai-relay/pkg/gateway/apierror"
	"github.com/vango-go/vai-relay/pkg/gateway/mw"
)

func writeErrorJSON(w http.ResponseWriter, r *http.Request, status int, e *apierror.Error) {
	if e.RequestID == "" {
		e.RequestID = requestIDFromContext(r)
	}
	apierror.Write(w, status, e)
}

func writeErrJSON(w http.ResponseWriter, r *http.Request, err error) {
	e, status := apierror.FromError(err, requestIDFromContext(r))
	apierror.Write(w, status, e)
}

func requestIDFromContext(r *http.Request) string {
	if id, ok := mw.RequestIDFrom(r.Context()); ok {
		return id
	}
	return ""
}
