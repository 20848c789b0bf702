// Package auth gates every sensitive operation on the identity resolved from
// the caller's session. Rules are bound to a closed enumeration of operation
// kinds at compile time; there is no runtime rule lookup by name.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/sfrink/certus/internal/protocol"
	"github.com/sfrink/certus/internal/storage"
)

// ErrPermissionDenied is the uniform authorization failure. Callers must not
// decorate it with the reason a specific rule failed.
var ErrPermissionDenied = errors.New("permission denied")

// Operation enumerates every gated remote operation.
type Operation int

const (
	OpListUsers Operation = iota
	OpSetUserStatus
	OpEditUser
	OpUploadKey
	OpGenerateKeys
	OpCreateElection
	OpEditElection
	OpOpenElection
	OpCloseElection
	OpDeleteElection
	OpAddVoters
	OpSetCandidateStatus
	OpListAllElections
	OpViewProgress
	OpPublishResults
	OpViewResults
	OpCastVote
)

// Rule is the authorization class an operation belongs to.
type Rule int

const (
	// RuleAdminOnly requires an AUTHORITY or ADMIN role.
	RuleAdminOnly Rule = iota
	// RuleSelf requires the requester to be the target user.
	RuleSelf
	// RuleOwnerOrAdmin requires election ownership, with an admin bypass.
	RuleOwnerOrAdmin
	// RuleOwner requires election ownership; no bypass. Used where the
	// operation also needs a secret only the owner holds.
	RuleOwner
	// RuleVoter requires the requester to be the named voter and to be
	// invited to (or admitted by the PUBLIC type of) the election.
	RuleVoter
	// RuleResultsVisible admits the owner always, and everyone eligible to
	// vote once the election is PUBLISHED.
	RuleResultsVisible
)

// ruleFor is the complete operation -> rule binding. Every operation must
// appear here; an unmapped operation is denied.
var ruleFor = map[Operation]Rule{
	OpListUsers:          RuleAdminOnly,
	OpSetUserStatus:      RuleAdminOnly,
	OpEditUser:           RuleSelf,
	OpUploadKey:          RuleSelf,
	OpGenerateKeys:       RuleSelf,
	OpCreateElection:     RuleAdminOnly,
	OpEditElection:       RuleOwnerOrAdmin,
	OpOpenElection:       RuleOwnerOrAdmin,
	OpCloseElection:      RuleOwnerOrAdmin,
	OpDeleteElection:     RuleOwnerOrAdmin,
	OpAddVoters:          RuleOwnerOrAdmin,
	OpSetCandidateStatus: RuleOwnerOrAdmin,
	OpListAllElections:   RuleAdminOnly,
	OpViewProgress:       RuleOwnerOrAdmin,
	OpPublishResults:     RuleOwner,
	OpViewResults:        RuleResultsVisible,
	OpCastVote:           RuleVoter,
}

// Relations are the three relationship queries the rules consult, backed by
// storage.
type Relations interface {
	IsOwner(ctx context.Context, userID, electionID int64) (bool, error)
	// IsInvitedOrPublic is satisfied for everyone on PUBLIC elections and
	// requires an invitation record on PRIVATE ones.
	IsInvitedOrPublic(ctx context.Context, userID, electionID int64) (bool, error)
	RoleOf(ctx context.Context, userID int64) (protocol.UserRole, error)
	ElectionStatus(ctx context.Context, electionID int64) (protocol.ElectionStatus, error)
}

// Request carries the identifiers a rule may need. UserID is always the
// session-resolved requester, never a raw token.
type Request struct {
	UserID       int64
	TargetUserID int64
	ElectionID   int64
}

type Authoriser struct {
	rel Relations
}

func NewAuthoriser(rel Relations) *Authoriser {
	return &Authoriser{rel: rel}
}

// Allow evaluates the rule bound to op. It returns nil when permitted,
// ErrPermissionDenied when not, and a wrapped storage error when a relation
// query failed and no decision could be made.
func (a *Authoriser) Allow(ctx context.Context, op Operation, req Request) error {
	rule, ok := ruleFor[op]
	if !ok {
		return ErrPermissionDenied
	}
	switch rule {
	case RuleAdminOnly:
		return a.requireAdmin(ctx, req.UserID)

	case RuleSelf:
		if req.UserID != req.TargetUserID {
			return ErrPermissionDenied
		}
		return nil

	case RuleOwner:
		return a.requireOwner(ctx, req.UserID, req.ElectionID)

	case RuleOwnerOrAdmin:
		err := a.requireOwner(ctx, req.UserID, req.ElectionID)
		if !errors.Is(err, ErrPermissionDenied) {
			return err
		}
		return a.requireAdmin(ctx, req.UserID)

	case RuleVoter:
		if req.UserID != req.TargetUserID {
			return ErrPermissionDenied
		}
		return a.requireEligible(ctx, req.UserID, req.ElectionID)

	case RuleResultsVisible:
		err := a.requireOwner(ctx, req.UserID, req.ElectionID)
		if !errors.Is(err, ErrPermissionDenied) {
			return err
		}
		status, serr := a.rel.ElectionStatus(ctx, req.ElectionID)
		if serr != nil {
			return relationErr(serr)
		}
		if status != protocol.ElectionPublished {
			return ErrPermissionDenied
		}
		return a.requireEligible(ctx, req.UserID, req.ElectionID)
	}
	return ErrPermissionDenied
}

func (a *Authoriser) requireAdmin(ctx context.Context, userID int64) error {
	role, err := a.rel.RoleOf(ctx, userID)
	if err != nil {
		return relationErr(err)
	}
	if role != protocol.RoleAdmin && role != protocol.RoleAuthority {
		return ErrPermissionDenied
	}
	return nil
}

func (a *Authoriser) requireOwner(ctx context.Context, userID, electionID int64) error {
	owner, err := a.rel.IsOwner(ctx, userID, electionID)
	if err != nil {
		return relationErr(err)
	}
	if !owner {
		return ErrPermissionDenied
	}
	return nil
}

func (a *Authoriser) requireEligible(ctx context.Context, userID, electionID int64) error {
	ok, err := a.rel.IsInvitedOrPublic(ctx, userID, electionID)
	if err != nil {
		return relationErr(err)
	}
	if !ok {
		return ErrPermissionDenied
	}
	return nil
}

// relationErr collapses missing records into a denial and keeps genuine
// storage failures separate so callers can report them as such.
func relationErr(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ErrPermissionDenied
	}
	return fmt.Errorf("authorization relation query: %w", err)
}
