package proposer

import "context"

// Stub is the deterministic offline provider: it proposes nothing. It keeps
// the engine runnable without model credentials, and tests swap in their own
// Proposer implementations.
type Stub struct{}

// Name implements Proposer.
func (s *Stub) Name() string { return "stub" }

// Propose implements Proposer.
func (s *Stub) Propose(ctx context.Context, req Request) (Proposal, error) {
	return Proposal{Diff: "", RawResponse: "stub"}, nil
}
