package domain

import (
	"context"
	"fmt"
)

// Evidence backs a resolution decision.
type Evidence struct {
	URLs    []string `json:"urls,omitempty"`
	Hashes  []string `json:"hashes,omitempty"`
	Summary string   `json:"summary,omitempty"`
}

// MarketResolution is the authoritative outcome of a market. It is immutable
// once attached.
type MarketResolution struct {
	MarketID      string    `json:"marketId"`
	Outcome       Outcome   `json:"outcome"`
	ResolvedPulse Pulse     `json:"resolvedPulse"`
	Oracle        OracleRef `json:"oracle"`
	Evidence      *Evidence `json:"evidence,omitempty"`
}

// Key returns the propagation idempotence key.
func (r MarketResolution) Key() ResolutionKey {
	return ResolutionKey{MarketID: r.MarketID, Outcome: r.Outcome, ResolvedPulse: r.ResolvedPulse}
}

// Clone returns a deep copy of r.
func (r MarketResolution) Clone() MarketResolution {
	out := r
	if r.Oracle.DisputeWindowPulses != nil {
		w := *r.Oracle.DisputeWindowPulses
		out.Oracle.DisputeWindowPulses = &w
	}
	if r.Evidence != nil {
		e := Evidence{
			URLs:    append([]string(nil), r.Evidence.URLs...),
			Hashes:  append([]string(nil), r.Evidence.Hashes...),
			Summary: r.Evidence.Summary,
		}
		out.Evidence = &e
	}
	return out
}

// ResolutionKey identifies one delivery of a resolution.
type ResolutionKey struct {
	MarketID      string
	Outcome       Outcome
	ResolvedPulse Pulse
}

// String renders the key as "marketId|outcome|pulse".
func (k ResolutionKey) String() string {
	return fmt.Sprintf("%s|%s|%d", k.MarketID, k.Outcome, k.ResolvedPulse)
}

// ResolutionSource fetches the authoritative outcome for a market from a
// remote oracle.
type ResolutionSource interface {
	Fetch(ctx context.Context, def MarketDef, at Pulse) (MarketResolution, error)
}
