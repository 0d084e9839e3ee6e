package admission

import (
	"context"
	"fmt"
)

// TokenVerifier checks a client access token or a federation request
// signature and resolves it to a Principal, the first stage of spec
// §4.10's admission pipeline. Concretely this wraps userapi device
// lookup for clients and keys.VerifyJSON for federation, neither of
// which this package depends on directly (kept as a seam so admission
// has no storage/crypto import).
type TokenVerifier func(ctx context.Context) (Principal, error)

// Rejection is returned by Admit when a request fails any stage of the
// pipeline, naming which stage rejected it (spec §7 error taxonomy).
type Rejection struct {
	Stage      string
	Reason     string
	RetryAfter *int64 // milliseconds; set only for Stage == "rate_limit"
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("admission: %s: %s", r.Stage, r.Reason)
}

// Admission is the composed token-check -> rate-limit -> capability-gate
// pipeline every ingress request traverses (spec §4.10).
type Admission struct {
	Limiter      *RateLimiter
	Capabilities *CapabilityTable
}

// New wires an Admission pipeline.
func New(limiter *RateLimiter, capabilities *CapabilityTable) *Admission {
	return &Admission{Limiter: limiter, Capabilities: capabilities}
}

// Admit runs the full pipeline for one request: verify identifies the
// caller (a non-nil error rejects at the token stage), class is
// the action being attempted, and requiredCapability is "" when the
// endpoint has no capability gate.
func (a *Admission) Admit(ctx context.Context, verify TokenVerifier, class ActionClass, requiredCapability Capability) (Principal, *Rejection) {
	principal, err := verify(ctx)
	if err != nil {
		return Principal{}, &Rejection{Stage: "token", Reason: err.Error()}
	}

	if a.Limiter != nil {
		decision := a.Limiter.Allow(principal, class)
		if !decision.Allowed {
			ms := decision.RetryAfter.Milliseconds()
			return Principal{}, &Rejection{Stage: "rate_limit", Reason: "too many requests", RetryAfter: &ms}
		}
	}

	if requiredCapability != "" && a.Capabilities != nil && !a.Capabilities.Allowed(requiredCapability) {
		return Principal{}, &Rejection{Stage: "capability", Reason: fmt.Sprintf("capability %q is not enabled", requiredCapability)}
	}

	return principal, nil
}
