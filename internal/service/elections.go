package service

import (
	"context"
	"errors"
	"net/mail"
	"time"

	"github.com/sfrink/certus/internal/auth"
	certuscrypto "github.com/sfrink/certus/internal/crypto"
	"github.com/sfrink/certus/internal/protocol"
	"github.com/sfrink/certus/internal/storage"
)

// CreateElection makes a NEW election owned by the caller and generates its
// key pair. The private half is encrypted under the owner-supplied password
// before it touches storage; the plaintext key exists only inside this call
// and again at publish time.
func (s *Service) CreateElection(ctx context.Context, callerID int64, req protocol.CreateElectionRequest) (protocol.Election, error) {
	if err := s.allow(ctx, auth.OpCreateElection, auth.Request{UserID: callerID}); err != nil {
		return protocol.Election{}, err
	}
	if err := validateElectionFields(req.Name, req.CandidateNames, req.OpensAt, req.ClosesAt); err != nil {
		return protocol.Election{}, err
	}
	if !req.Type.Valid() {
		return protocol.Election{}, validationFailed("type must be PUBLIC or PRIVATE")
	}
	if req.Type == protocol.ElectionPrivate && len(req.AllowedEmails) == 0 {
		return protocol.Election{}, validationFailed("a PRIVATE election needs at least one allowed email")
	}
	if len(req.KeyPassword) < minPasswordLen {
		return protocol.Election{}, validationFailed("key password must be at least 8 characters")
	}
	allowed, err := validEmails(req.AllowedEmails)
	if err != nil {
		return protocol.Election{}, err
	}

	pubDER, priv, err := certuscrypto.GenerateKeyPair()
	if err != nil {
		return protocol.Election{}, Internal("generate election keys", err)
	}
	privEnc, err := certuscrypto.ProtectPrivateKey(priv, req.KeyPassword)
	if err != nil {
		return protocol.Election{}, Internal("protect election key", err)
	}

	rec := storage.ElectionRecord{
		Election: protocol.Election{
			Name:           req.Name,
			Description:    req.Description,
			Type:           req.Type,
			Status:         protocol.ElectionNew,
			OwnerID:        callerID,
			OpensAt:        req.OpensAt.UTC(),
			ClosesAt:       req.ClosesAt.UTC(),
			CandidateNames: req.CandidateNames,
			AllowedEmails:  allowed,
		},
		PublicKey:     pubDER,
		PrivateKeyEnc: privEnc,
	}
	id, err := s.store.CreateElection(ctx, rec)
	if err != nil {
		return protocol.Election{}, Internal("create election", err)
	}
	rec.Election.ID = id
	s.logger.InfoContext(ctx, "election created", "election_id", id, "owner_id", callerID)
	return rec.Election, nil
}

// EditElection rewrites the editable fields while the election is NEW.
func (s *Service) EditElection(ctx context.Context, callerID int64, req protocol.EditElectionRequest) (protocol.Election, error) {
	if err := s.allow(ctx, auth.OpEditElection, auth.Request{UserID: callerID, ElectionID: req.ElectionID}); err != nil {
		return protocol.Election{}, err
	}
	if err := validateElectionFields(req.Name, req.CandidateNames, req.OpensAt, req.ClosesAt); err != nil {
		return protocol.Election{}, err
	}
	allowed, err := validEmails(req.AllowedEmails)
	if err != nil {
		return protocol.Election{}, err
	}
	rec := storage.ElectionRecord{
		Election: protocol.Election{
			ID:             req.ElectionID,
			Name:           req.Name,
			Description:    req.Description,
			OpensAt:        req.OpensAt.UTC(),
			ClosesAt:       req.ClosesAt.UTC(),
			CandidateNames: req.CandidateNames,
			AllowedEmails:  allowed,
		},
	}
	if err := s.store.UpdateElectionDraft(ctx, rec); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return protocol.Election{}, notFound("election")
		case errors.Is(err, storage.ErrWrongStatus):
			return protocol.Election{}, wrongStatus("only a NEW election can be edited")
		}
		return protocol.Election{}, Internal("update election", err)
	}
	out, err := s.store.GetElection(ctx, req.ElectionID)
	if err != nil {
		return protocol.Election{}, Internal("reload election", err)
	}
	return out.Election, nil
}

// AddVoters invites voters to a PRIVATE election. While the election is NEW
// the emails join the invitation list; once it is OPEN the accounts become
// participants immediately and are notified.
func (s *Service) AddVoters(ctx context.Context, callerID int64, req protocol.AddVotersRequest) (protocol.Election, error) {
	if err := s.allow(ctx, auth.OpAddVoters, auth.Request{UserID: callerID, ElectionID: req.ElectionID}); err != nil {
		return protocol.Election{}, err
	}
	rec, err := s.store.GetElection(ctx, req.ElectionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return protocol.Election{}, notFound("election")
		}
		return protocol.Election{}, Internal("load election", err)
	}
	if rec.Election.Type != protocol.ElectionPrivate {
		return protocol.Election{}, validationFailed("a PUBLIC election admits every active account")
	}
	emails, err := validEmails(req.Emails)
	if err != nil {
		return protocol.Election{}, err
	}

	switch rec.Election.Status {
	case protocol.ElectionNew:
		seen := make(map[string]bool, len(rec.Election.AllowedEmails))
		for _, e := range rec.Election.AllowedEmails {
			seen[e] = true
		}
		for _, e := range emails {
			if !seen[e] {
				seen[e] = true
				rec.Election.AllowedEmails = append(rec.Election.AllowedEmails, e)
			}
		}
		if err := s.store.UpdateElectionDraft(ctx, rec); err != nil {
			if errors.Is(err, storage.ErrWrongStatus) {
				return protocol.Election{}, wrongStatus("election changed state during the update")
			}
			return protocol.Election{}, Internal("update election", err)
		}
		return rec.Election, nil

	case protocol.ElectionOpen:
		ids, recipients, err := s.resolveVoters(ctx, req.ElectionID, emails)
		if err != nil {
			return protocol.Election{}, err
		}
		if err := s.store.AddParticipants(ctx, req.ElectionID, ids); err != nil {
			return protocol.Election{}, Internal("record participants", err)
		}
		if err := s.mailer.SendInvitations(recipients, rec.Election.Name); err != nil {
			s.logger.ErrorContext(ctx, "invitation mail failed", "election_id", req.ElectionID, "err", err)
		}
		return rec.Election, nil
	}
	return protocol.Election{}, wrongStatus("voters can only be added to a NEW or OPEN election")
}

// OpenElection moves NEW -> OPEN: candidate rows are materialized, the
// invitation list becomes participant records, and the allowed-email list is
// cleared from the election row. Opening notifies the eligible voters.
func (s *Service) OpenElection(ctx context.Context, callerID, electionID int64) (protocol.Election, error) {
	if err := s.allow(ctx, auth.OpOpenElection, auth.Request{UserID: callerID, ElectionID: electionID}); err != nil {
		return protocol.Election{}, err
	}
	rec, err := s.store.GetElection(ctx, electionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return protocol.Election{}, notFound("election")
		}
		return protocol.Election{}, Internal("load election", err)
	}

	// The status gate runs first so a concurrent open cannot double-seed
	// candidates or invitations.
	if err := s.store.TransitionElection(ctx, electionID, protocol.ElectionNew, protocol.ElectionOpen); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return protocol.Election{}, notFound("election")
		case errors.Is(err, storage.ErrWrongStatus):
			return protocol.Election{}, wrongStatus("only a NEW election can be opened")
		}
		return protocol.Election{}, Internal("open election", err)
	}

	if _, err := s.store.ReplaceCandidates(ctx, electionID, rec.Election.CandidateNames); err != nil {
		s.revertOpen(ctx, electionID)
		return protocol.Election{}, Internal("seed candidates", err)
	}

	var recipients []string
	if rec.Election.Type == protocol.ElectionPrivate {
		ids, rcpts, err := s.resolveVoters(ctx, electionID, rec.Election.AllowedEmails)
		if err != nil {
			s.revertOpen(ctx, electionID)
			return protocol.Election{}, err
		}
		recipients = rcpts
		if err := s.store.AddParticipants(ctx, electionID, ids); err != nil {
			s.revertOpen(ctx, electionID)
			return protocol.Election{}, Internal("record participants", err)
		}
		if err := s.store.ClearAllowedEmails(ctx, electionID); err != nil {
			s.revertOpen(ctx, electionID)
			return protocol.Election{}, Internal("clear invitation list", err)
		}
	}

	if err := s.mailer.SendInvitations(recipients, rec.Election.Name); err != nil {
		s.logger.ErrorContext(ctx, "invitation mail failed", "election_id", electionID, "err", err)
	}

	out, err := s.store.GetElection(ctx, electionID)
	if err != nil {
		return protocol.Election{}, Internal("reload election", err)
	}
	s.logger.InfoContext(ctx, "election opened", "election_id", electionID)
	return out.Election, nil
}

// revertOpen backs out a NEW -> OPEN transition whose seeding failed, so the
// election does not sit OPEN with no candidate rows behind it.
func (s *Service) revertOpen(ctx context.Context, electionID int64) {
	if err := s.store.TransitionElection(ctx, electionID, protocol.ElectionOpen, protocol.ElectionNew); err != nil {
		s.logger.ErrorContext(ctx, "open rollback failed", "election_id", electionID, "err", err)
	}
}

// CloseElection moves OPEN -> CLOSED. No further ballots are accepted.
func (s *Service) CloseElection(ctx context.Context, callerID, electionID int64) error {
	if err := s.allow(ctx, auth.OpCloseElection, auth.Request{UserID: callerID, ElectionID: electionID}); err != nil {
		return err
	}
	if err := s.store.TransitionElection(ctx, electionID, protocol.ElectionOpen, protocol.ElectionClosed); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return notFound("election")
		case errors.Is(err, storage.ErrWrongStatus):
			return wrongStatus("only an OPEN election can be closed")
		}
		return Internal("close election", err)
	}
	s.logger.InfoContext(ctx, "election closed", "election_id", electionID)
	return nil
}

// DeleteElection soft-deletes: the row and its ballots stay for audit, but
// the election leaves every listing. A PUBLISHED election is immutable.
func (s *Service) DeleteElection(ctx context.Context, callerID, electionID int64) error {
	if err := s.allow(ctx, auth.OpDeleteElection, auth.Request{UserID: callerID, ElectionID: electionID}); err != nil {
		return err
	}
	rec, err := s.store.GetElection(ctx, electionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return notFound("election")
		}
		return Internal("load election", err)
	}
	switch rec.Election.Status {
	case protocol.ElectionPublished:
		return wrongStatus("a PUBLISHED election cannot be deleted")
	case protocol.ElectionDeleted:
		return nil
	}
	if err := s.store.TransitionElection(ctx, electionID, rec.Election.Status, protocol.ElectionDeleted); err != nil {
		if errors.Is(err, storage.ErrWrongStatus) {
			return wrongStatus("election changed state during delete")
		}
		return Internal("delete election", err)
	}
	s.logger.InfoContext(ctx, "election deleted", "election_id", electionID)
	return nil
}

// GetElection returns one election's wire view. The owner and administrative
// roles see the full record; everyone else gets the invitation list stripped
// and a DELETED election answers as not found.
func (s *Service) GetElection(ctx context.Context, callerID, electionID int64) (protocol.Election, error) {
	rec, err := s.store.GetElection(ctx, electionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return protocol.Election{}, notFound("election")
		}
		return protocol.Election{}, Internal("load election", err)
	}
	if s.canAdminister(ctx, callerID, rec.Election.OwnerID) {
		return rec.Election, nil
	}
	if rec.Election.Status == protocol.ElectionDeleted {
		return protocol.Election{}, notFound("election")
	}
	e := rec.Election
	e.AllowedEmails = nil
	return e, nil
}

// canAdminister mirrors the owner-or-admin rule for view scoping.
func (s *Service) canAdminister(ctx context.Context, callerID, ownerID int64) bool {
	if callerID == ownerID {
		return true
	}
	u, err := s.store.GetUser(ctx, callerID)
	if err != nil {
		return false
	}
	return u.Role == protocol.RoleAdmin || u.Role == protocol.RoleAuthority
}

// ElectionPublicKey serves the DER public key voters encrypt against.
func (s *Service) ElectionPublicKey(ctx context.Context, electionID int64) ([]byte, error) {
	rec, err := s.store.GetElection(ctx, electionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, notFound("election")
		}
		return nil, Internal("load election", err)
	}
	return rec.PublicKey, nil
}

// ListCandidates returns the candidate rows of an opened election.
func (s *Service) ListCandidates(ctx context.Context, electionID int64) ([]protocol.Candidate, error) {
	out, err := s.store.ListCandidates(ctx, electionID)
	if err != nil {
		return nil, Internal("list candidates", err)
	}
	return out, nil
}

// SetCandidateStatus disables or re-enables a candidate of an election that
// has not been published. A DISABLED candidate gets no result row and ballots
// naming it are rejected at tally time.
func (s *Service) SetCandidateStatus(ctx context.Context, callerID int64, req protocol.SetCandidateStatusRequest) error {
	if err := s.allow(ctx, auth.OpSetCandidateStatus, auth.Request{UserID: callerID, ElectionID: req.ElectionID}); err != nil {
		return err
	}
	if req.Status != protocol.CandidateEnabled && req.Status != protocol.CandidateDisabled {
		return validationFailed("status must be ENABLED or DISABLED")
	}
	rec, err := s.store.GetElection(ctx, req.ElectionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return notFound("election")
		}
		return Internal("load election", err)
	}
	if rec.Election.Status == protocol.ElectionPublished || rec.Election.Status == protocol.ElectionDeleted {
		return wrongStatus("candidates of a PUBLISHED election cannot change")
	}
	if err := s.store.UpdateCandidateStatus(ctx, req.CandidateID, req.Status); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return notFound("candidate")
		}
		return Internal("update candidate", err)
	}
	s.logger.InfoContext(ctx, "candidate status changed",
		"election_id", req.ElectionID, "candidate_id", req.CandidateID, "status", req.Status)
	return nil
}

// ListAllElections is the administrative listing including every status.
func (s *Service) ListAllElections(ctx context.Context, callerID int64) ([]protocol.Election, error) {
	if err := s.allow(ctx, auth.OpListAllElections, auth.Request{UserID: callerID}); err != nil {
		return nil, err
	}
	recs, err := s.store.ListElections(ctx)
	if err != nil {
		return nil, Internal("list elections", err)
	}
	return electionViews(recs), nil
}

// ListOwnedElections lists the elections the caller owns.
func (s *Service) ListOwnedElections(ctx context.Context, callerID int64) ([]protocol.Election, error) {
	recs, err := s.store.ListElectionsByOwner(ctx, callerID)
	if err != nil {
		return nil, Internal("list elections", err)
	}
	return electionViews(recs), nil
}

// ListVotableElections lists the OPEN elections the caller may vote in.
func (s *Service) ListVotableElections(ctx context.Context, callerID int64) ([]protocol.Election, error) {
	recs, err := s.store.ListElectionsForVoter(ctx, callerID)
	if err != nil {
		return nil, Internal("list elections", err)
	}
	return electionViews(recs), nil
}

func electionViews(recs []storage.ElectionRecord) []protocol.Election {
	out := make([]protocol.Election, 0, len(recs))
	for _, r := range recs {
		if r.Election.Status == protocol.ElectionDeleted {
			continue
		}
		out = append(out, r.Election)
	}
	return out
}

func validateElectionFields(name string, candidates []string, opensAt, closesAt time.Time) error {
	if name == "" {
		return validationFailed("name is required")
	}
	if len(candidates) < 2 {
		return validationFailed("an election needs at least two candidates")
	}
	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		if c == "" {
			return validationFailed("candidate names must not be empty")
		}
		if seen[c] {
			return validationFailed("duplicate candidate name: " + c)
		}
		seen[c] = true
	}
	if opensAt.IsZero() || closesAt.IsZero() {
		return validationFailed("opens_at and closes_at are required")
	}
	if !closesAt.After(opensAt) {
		return validationFailed("closes_at must be after opens_at")
	}
	return nil
}

func validEmails(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	for _, e := range in {
		e = normalizeEmail(e)
		if _, err := mail.ParseAddress(e); err != nil {
			return nil, validationFailed("invalid email address: " + e)
		}
		out = append(out, e)
	}
	return out, nil
}

// resolveVoters maps invitation emails to account ids. Unregistered invitees
// are skipped with a warning; they can be invited again once they register.
func (s *Service) resolveVoters(ctx context.Context, electionID int64, emails []string) (ids []int64, recipients []string, err error) {
	for _, email := range emails {
		u, err := s.store.GetUserByEmail(ctx, email)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				s.logger.WarnContext(ctx, "invited email has no account", "election_id", electionID)
				continue
			}
			return nil, nil, Internal("resolve invited voter", err)
		}
		ids = append(ids, u.ID)
		recipients = append(recipients, u.Email)
	}
	return ids, recipients, nil
}
