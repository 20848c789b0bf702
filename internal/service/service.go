// Package service implements the voting backend's operations: accounts and
// credentials, election lifecycle, ballot casting, and tallying. Every
// operation authorizes through the closed rule set in internal/auth before
// touching state.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sfrink/certus/internal/auth"
	"github.com/sfrink/certus/internal/mail"
	"github.com/sfrink/certus/internal/protocol"
	"github.com/sfrink/certus/internal/session"
	"github.com/sfrink/certus/internal/storage"
)

type Service struct {
	store      storage.Store
	sessions   *session.Store
	authoriser *auth.Authoriser
	mailer     *mail.Mailer
	logger     *slog.Logger
	now        func() time.Time
}

type Params struct {
	Store    storage.Store
	Sessions *session.Store
	Mailer   *mail.Mailer
	Logger   *slog.Logger
}

func New(params Params) (*Service, error) {
	if params.Store == nil {
		return nil, errors.New("store is required")
	}
	if params.Sessions == nil {
		return nil, errors.New("session store is required")
	}
	if params.Mailer == nil {
		params.Mailer = mail.Disabled()
	}
	if params.Logger == nil {
		params.Logger = slog.Default()
	}
	return &Service{
		store:      params.Store,
		sessions:   params.Sessions,
		authoriser: auth.NewAuthoriser(relations{params.Store}),
		mailer:     params.Mailer,
		logger:     params.Logger,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// Authenticate resolves a session token to a user id. The API layer calls
// this once per request; operations receive the resolved id, never the token.
func (s *Service) Authenticate(token string) (int64, bool) {
	return s.sessions.Resolve(token)
}

// allow runs the authorization rule for op and collapses every denial into
// the uniform permission error.
func (s *Service) allow(ctx context.Context, op auth.Operation, req auth.Request) error {
	err := s.authoriser.Allow(ctx, op, req)
	if err == nil {
		return nil
	}
	if errors.Is(err, auth.ErrPermissionDenied) {
		return permissionDenied(err)
	}
	return Internal("evaluate authorization", err)
}

// relations adapts the storage interface to the relationship queries the
// authorization rules consult.
type relations struct {
	store storage.Store
}

func (r relations) IsOwner(ctx context.Context, userID, electionID int64) (bool, error) {
	e, err := r.store.GetElection(ctx, electionID)
	if err != nil {
		return false, err
	}
	return e.Election.OwnerID == userID, nil
}

func (r relations) IsInvitedOrPublic(ctx context.Context, userID, electionID int64) (bool, error) {
	e, err := r.store.GetElection(ctx, electionID)
	if err != nil {
		return false, err
	}
	if e.Election.Type == protocol.ElectionPublic {
		return true, nil
	}
	return r.store.IsParticipant(ctx, electionID, userID)
}

func (r relations) RoleOf(ctx context.Context, userID int64) (protocol.UserRole, error) {
	u, err := r.store.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	return u.Role, nil
}

func (r relations) ElectionStatus(ctx context.Context, electionID int64) (protocol.ElectionStatus, error) {
	e, err := r.store.GetElection(ctx, electionID)
	if err != nil {
		return "", err
	}
	return e.Election.Status, nil
}
