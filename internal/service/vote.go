package service

import (
	"context"
	"errors"

	"github.com/sfrink/certus/internal/auth"
	certuscrypto "github.com/sfrink/certus/internal/crypto"
	"github.com/sfrink/certus/internal/protocol"
	"github.com/sfrink/certus/internal/storage"
)

// CastVote records the caller's ballot. The ciphertext is never opened here;
// only the signature is checked, against the public key already on file for
// the caller. The one-ballot rule is enforced by the storage layer, so two
// racing casts cannot both land.
func (s *Service) CastVote(ctx context.Context, callerID int64, req protocol.CastVoteRequest) (protocol.Ballot, error) {
	if err := s.allow(ctx, auth.OpCastVote, auth.Request{
		UserID:       callerID,
		TargetUserID: callerID,
		ElectionID:   req.ElectionID,
	}); err != nil {
		return protocol.Ballot{}, err
	}

	rec, err := s.store.GetElection(ctx, req.ElectionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return protocol.Ballot{}, notFound("election")
		}
		return protocol.Ballot{}, Internal("load election", err)
	}
	if rec.Election.Status != protocol.ElectionOpen {
		return protocol.Ballot{}, wrongStatus("the election is not open for voting")
	}
	if len(req.Payload) == 0 || len(req.Signature) == 0 {
		return protocol.Ballot{}, validationFailed("payload and signature are required")
	}

	voter, err := s.store.GetUser(ctx, callerID)
	if err != nil {
		return protocol.Ballot{}, Internal("load voter", err)
	}
	voterPub, err := certuscrypto.ParsePublicKey(voter.PublicKey)
	if err != nil {
		return protocol.Ballot{}, validationFailed("no valid public key on file; upload or generate one first")
	}
	if !certuscrypto.VerifyBallot(req.Payload, req.Signature, voterPub) {
		return protocol.Ballot{}, signatureInvalid()
	}

	ballot := protocol.Ballot{
		VoterID:    callerID,
		ElectionID: req.ElectionID,
		Payload:    req.Payload,
		Signature:  req.Signature,
		CastAt:     s.now(),
	}
	if err := s.store.InsertBallot(ctx, ballot); err != nil {
		switch {
		case errors.Is(err, storage.ErrDuplicateBallot):
			return protocol.Ballot{}, duplicate("ALREADY_VOTED", "a ballot for this election is already recorded")
		case errors.Is(err, storage.ErrWrongStatus):
			// The election left OPEN between the status read and the
			// insert; the storage guard is the arbiter.
			return protocol.Ballot{}, wrongStatus("the election is not open for voting")
		}
		return protocol.Ballot{}, Internal("store ballot", err)
	}

	if err := s.mailer.SendVoteConfirmation(voter.Email, rec.Election.Name); err != nil {
		s.logger.ErrorContext(ctx, "vote confirmation mail failed", "election_id", req.ElectionID, "err", err)
	}
	s.logger.InfoContext(ctx, "ballot recorded", "election_id", req.ElectionID, "voter_id", callerID)
	return ballot, nil
}

// VoteProgress classifies the stored ballots by signature validity alone.
// It runs without the election private key and never reveals any choice.
func (s *Service) VoteProgress(ctx context.Context, callerID, electionID int64) (protocol.VoteProgress, error) {
	if err := s.allow(ctx, auth.OpViewProgress, auth.Request{UserID: callerID, ElectionID: electionID}); err != nil {
		return protocol.VoteProgress{}, err
	}
	ballots, err := s.store.ListBallots(ctx, electionID)
	if err != nil {
		return protocol.VoteProgress{}, Internal("list ballots", err)
	}

	progress := protocol.VoteProgress{ElectionID: electionID, Total: len(ballots)}
	for _, b := range ballots {
		if s.ballotSignatureValid(ctx, b) {
			progress.Valid++
		} else {
			progress.Rejected++
		}
	}
	return progress, nil
}

func (s *Service) ballotSignatureValid(ctx context.Context, b protocol.Ballot) bool {
	voter, err := s.store.GetUser(ctx, b.VoterID)
	if err != nil {
		s.logger.WarnContext(ctx, "ballot voter lookup failed", "voter_id", b.VoterID, "err", err)
		return false
	}
	pub, err := certuscrypto.ParsePublicKey(voter.PublicKey)
	if err != nil {
		return false
	}
	return certuscrypto.VerifyBallot(b.Payload, b.Signature, pub)
}
