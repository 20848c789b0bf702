package service

import (
	"context"
	"errors"

	"github.com/sfrink/certus/internal/auth"
	certuscrypto "github.com/sfrink/certus/internal/crypto"
	"github.com/sfrink/certus/internal/protocol"
	"github.com/sfrink/certus/internal/storage"
)

// PublishResults decrypts and counts the ballots of a CLOSED election and
// moves it to PUBLISHED. Only the owner can run it: the election private key
// is unlocked with the owner's key password, used in memory, and discarded.
// Every enabled candidate gets a result row even at zero votes.
func (s *Service) PublishResults(ctx context.Context, callerID int64, req protocol.PublishResultsRequest) (protocol.TallySummary, error) {
	if err := s.allow(ctx, auth.OpPublishResults, auth.Request{UserID: callerID, ElectionID: req.ElectionID}); err != nil {
		return protocol.TallySummary{}, err
	}

	rec, err := s.store.GetElection(ctx, req.ElectionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return protocol.TallySummary{}, notFound("election")
		}
		return protocol.TallySummary{}, Internal("load election", err)
	}
	if rec.Election.Status != protocol.ElectionClosed {
		return protocol.TallySummary{}, wrongStatus("only a CLOSED election can be published")
	}

	priv, err := certuscrypto.UnprotectPrivateKey(rec.PrivateKeyEnc, req.KeyPassword)
	if err != nil {
		if errors.Is(err, certuscrypto.ErrWrongPassword) {
			return protocol.TallySummary{}, wrongCredentials(err)
		}
		return protocol.TallySummary{}, Internal("unlock election key", err)
	}

	candidates, err := s.store.ListCandidates(ctx, req.ElectionID)
	if err != nil {
		return protocol.TallySummary{}, Internal("list candidates", err)
	}
	counts := make(map[int64]int, len(candidates))
	for _, c := range candidates {
		if c.Status == protocol.CandidateEnabled {
			counts[c.ID] = 0
		}
	}
	if len(counts) == 0 {
		return protocol.TallySummary{}, wrongStatus("the election has no enabled candidates")
	}

	ballots, err := s.store.ListBallots(ctx, req.ElectionID)
	if err != nil {
		return protocol.TallySummary{}, Internal("list ballots", err)
	}

	counted, rejected := 0, 0
	for _, b := range ballots {
		voter, err := s.store.GetUser(ctx, b.VoterID)
		if err != nil {
			rejected++
			continue
		}
		pub, err := certuscrypto.ParsePublicKey(voter.PublicKey)
		if err != nil {
			rejected++
			continue
		}
		candidateID, ok := certuscrypto.DecryptBallot(b.Payload, b.Signature, pub, priv)
		if !ok {
			rejected++
			continue
		}
		if _, known := counts[candidateID]; !known {
			rejected++
			continue
		}
		counts[candidateID]++
		counted++
	}

	max := 0
	for _, n := range counts {
		if n > max {
			max = n
		}
	}
	results := make([]protocol.Result, 0, len(candidates))
	for _, c := range candidates {
		n, enabled := counts[c.ID]
		if !enabled {
			continue
		}
		results = append(results, protocol.Result{
			ElectionID:  req.ElectionID,
			CandidateID: c.ID,
			Candidate:   c.Name,
			VoteCount:   n,
			Winner:      max > 0 && n == max,
		})
	}

	// The transition is the gate: of two racing publishes only one moves
	// the row out of CLOSED, and only that one writes result rows.
	if err := s.store.TransitionElection(ctx, req.ElectionID, protocol.ElectionClosed, protocol.ElectionPublished); err != nil {
		if errors.Is(err, storage.ErrWrongStatus) {
			return protocol.TallySummary{}, wrongStatus("the election is no longer CLOSED")
		}
		return protocol.TallySummary{}, Internal("publish election", err)
	}
	if err := s.store.SaveResults(ctx, req.ElectionID, results); err != nil {
		// Back out the transition so the election is not PUBLISHED with
		// no rows behind it.
		if terr := s.store.TransitionElection(ctx, req.ElectionID, protocol.ElectionPublished, protocol.ElectionClosed); terr != nil {
			s.logger.ErrorContext(ctx, "publish rollback failed", "election_id", req.ElectionID, "err", terr)
		}
		return protocol.TallySummary{}, Internal("save results", err)
	}

	s.logger.InfoContext(ctx, "results published",
		"election_id", req.ElectionID, "counted", counted, "rejected", rejected)
	return protocol.TallySummary{
		ElectionID: req.ElectionID,
		Results:    results,
		Counted:    counted,
		Rejected:   rejected,
	}, nil
}

// Results serves the published rows. The owner may fetch them at any time;
// everyone else eligible to vote sees them once the election is PUBLISHED.
func (s *Service) Results(ctx context.Context, callerID, electionID int64) ([]protocol.Result, error) {
	if err := s.allow(ctx, auth.OpViewResults, auth.Request{UserID: callerID, ElectionID: electionID}); err != nil {
		return nil, err
	}
	results, err := s.store.ListResults(ctx, electionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, notFound("results")
		}
		return nil, Internal("list results", err)
	}
	return results, nil
}
