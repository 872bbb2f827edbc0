package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vango-go/vai-relay/pkg/gateway/relayerr"
)

func TestFromError_ContextCanceled_Is408Cancelled(t *testing.T) {
	ae, status := FromError(context.Canceled, "req_test")
	if status != 408 {
		t.Fatalf("status=%d", status)
	}
	if ae.Type != ErrAPI {
		t.Fatalf("type=%q", ae.Type)
	}
	if ae.Code != "cancelled" {
		t.Fatalf("code=%q", ae.Code)
	}
	if ae.RequestID != "req_test" {
		t.Fatalf("request_id=%q", ae.RequestID)
	}
}

func TestFromError_RegistryFull_Is503(t *testing.T) {
	ae, status := FromError(relayerr.New(relayerr.KindRegistryFull, "registry.admit", "session limit reached"), "req_test")
	if status != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", status)
	}
	if ae.Type != ErrOverloaded || ae.Code != "registry_full" {
		t.Fatalf("error=%+v", ae)
	}
}

func TestFromError_UpstreamKinds_Are502(t *testing.T) {
	err := &relayerr.ConnectError{Attempts: 3, Err: relayerr.ErrNetwork}
	ae, status := FromError(err, "")
	if status != http.StatusBadGateway {
		t.Fatalf("status=%d", status)
	}
	if ae.Type != ErrUpstream {
		t.Fatalf("type=%q", ae.Type)
	}
}

func TestFromError_UnknownIsInternal(t *testing.T) {
	ae, status := FromError(errors.New("secret detail"), "req_test")
	if status != http.StatusInternalServerError {
		t.Fatalf("status=%d", status)
	}
	if ae.Message != "internal error" {
		t.Fatalf("message=%q leaked detail", ae.Message)
	}
}

func TestWrite_EncodesEnvelope(t *testing.T) {
	rr := httptest.NewRecorder()
	Write(rr, http.StatusNotFound, &Error{Type: ErrNotFound, Message: "not found", RequestID: "req_1"})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rr.Code)
	}
	var env struct {
		Error Error `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Error.Type != ErrNotFound || env.Error.RequestID != "req_1" {
		t.Fatalf("envelope=%+v", env.Error)
	}
}
