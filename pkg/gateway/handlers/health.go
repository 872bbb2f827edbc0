package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/vango-go/vai-relay/pkg/gateway/config"
	"github.com/vango-go/vai-relay/pkg/gateway/credential"
)

// SessionCounter is the part of the registry the liveness check reads.
type SessionCounter interface {
	Accepting() bool
	Count() int
}

type HealthHandler struct {
	Sessions SessionCounter
}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type healthResp struct {
		OK             bool `json:"ok"`
		Accepting      bool `json:"accepting"`
		ActiveSessions int  `json:"active_sessions"`
	}

	resp := healthResp{OK: true, Accepting: true}
	if h.Sessions != nil {
		resp.Accepting = h.Sessions.Accepting()
		resp.ActiveSessions = h.Sessions.Count()
	}
	status := http.StatusOK
	if !resp.Accepting {
		resp.OK = false
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// CredentialSource reports the cached upstream credential.
type CredentialSource interface {
	Current() (credential.Credential, bool)
}

// Pinger is satisfied by journal.Recorder.
type Pinger interface {
	Ping(ctx context.Context) error
}

type ReadyHandler struct {
	Config      config.Config
	Credentials CredentialSource
	Journal     Pinger
	// HasUpstream reports whether a provider dialer was configured.
	HasUpstream bool
	Now         func() time.Time
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK       bool     `json:"ok"`
		Provider string   `json:"provider"`
		Journal  bool     `json:"journal"`
		Issues   []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)
	if err := h.Config.Validate(); err != nil {
		issues = append(issues, err.Error())
	}
	if !h.HasUpstream {
		issues = append(issues, "no upstream provider configured")
	}

	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	if h.Credentials == nil {
		issues = append(issues, "no credential store configured")
	} else if cred, ok := h.Credentials.Current(); !ok {
		issues = append(issues, "upstream credential not loaded")
	} else if cred.CanExpire() && !now().Before(cred.Expires) {
		issues = append(issues, "upstream credential expired")
	}

	if h.Journal != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := h.Journal.Ping(ctx)
		cancel()
		if err != nil {
			issues = append(issues, "journal unreachable")
		}
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:       ok,
		Provider: string(h.Config.Provider),
		Journal:  h.Journal != nil,
		Issues:   issues,
	})
}
