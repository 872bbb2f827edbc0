package protocol

import (
	"context"
	"errors"

	"github.com/vango-go/vai-relay/pkg/gateway/relayerr"
)

// WebSocket close codes sent to clients.
const (
	CloseNormal           = 1000
	CloseGoingAway        = 1001
	CloseCapacityExceeded = 4001
	CloseUpstreamFailure  = 4002
	CloseIdleTimeout      = 4003
	CloseProtocolError    = 4004
)

type CloseReason struct {
	Code   int
	Reason string
}

var (
	ReasonNormal           = CloseReason{Code: CloseNormal, Reason: "normal"}
	ReasonGoingAway        = CloseReason{Code: CloseGoingAway, Reason: "going_away"}
	ReasonCapacityExceeded = CloseReason{Code: CloseCapacityExceeded, Reason: "capacity_exceeded"}
	ReasonUpstreamFailure  = CloseReason{Code: CloseUpstreamFailure, Reason: "upstream_failure"}
	ReasonIdleTimeout      = CloseReason{Code: CloseIdleTimeout, Reason: "idle_timeout"}
	ReasonMaxDuration      = CloseReason{Code: CloseIdleTimeout, Reason: "max_duration"}
	ReasonProtocolError    = CloseReason{Code: CloseProtocolError, Reason: "protocol_error"}
)

// CloseReasonFor maps an error onto the close reason reported to the client.
func CloseReasonFor(err error) CloseReason {
	if err == nil {
		return ReasonNormal
	}
	if errors.Is(err, context.Canceled) {
		return ReasonGoingAway
	}
	switch relayerr.KindOf(err) {
	case relayerr.KindRegistryFull:
		return ReasonCapacityExceeded
	case relayerr.KindSessionTimeout:
		return ReasonIdleTimeout
	case relayerr.KindFrameTooLarge, relayerr.KindMalformedFrame:
		return ReasonProtocolError
	default:
		var de *DecodeError
		if errors.As(err, &de) {
			return ReasonProtocolError
		}
		return ReasonUpstreamFailure
	}
}

// ErrorCodeFor is the "code" field of a ServerError for err.
func ErrorCodeFor(err error) string {
	var de *DecodeError
	if errors.As(err, &de) && de != nil {
		return de.Code
	}
	if k := relayerr.KindOf(err); k != "" {
		return string(k)
	}
	return "internal"
}
