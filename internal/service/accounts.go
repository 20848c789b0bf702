package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/mail"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/sfrink/certus/internal/auth"
	"github.com/sfrink/certus/internal/protocol"
	"github.com/sfrink/certus/internal/storage"
)

const minPasswordLen = 8

// Register creates a self-service ELECTORATE account. Emails are unique; the
// database constraint is the arbiter.
func (s *Service) Register(ctx context.Context, req protocol.RegisterRequest) (protocol.User, error) {
	req.Email = normalizeEmail(req.Email)
	if req.FirstName == "" || req.LastName == "" {
		return protocol.User{}, validationFailed("first and last name are required")
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return protocol.User{}, validationFailed("invalid email address")
	}
	if len(req.Password) < minPasswordLen {
		return protocol.User{}, validationFailed("password must be at least 8 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return protocol.User{}, Internal("hash password", err)
	}
	rec := storage.UserRecord{
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		Email:        req.Email,
		PasswordHash: hash,
		Role:         protocol.RoleElectorate,
		Status:       protocol.UserActive,
	}
	id, err := s.store.CreateUser(ctx, rec)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateEmail) {
			return protocol.User{}, duplicate("EMAIL_TAKEN", "email already registered")
		}
		return protocol.User{}, Internal("create user", err)
	}
	rec.ID = id
	s.logger.InfoContext(ctx, "user registered", "user_id", id)
	return rec.View(), nil
}

// Login verifies credentials and opens a session. A temporary credential is
// accepted exactly once and must be converted to a permanent password in the
// same call.
func (s *Service) Login(ctx context.Context, req protocol.LoginRequest) (protocol.LoginResponse, error) {
	u, err := s.store.GetUserByEmail(ctx, normalizeEmail(req.Email))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return protocol.LoginResponse{}, wrongCredentials(nil)
		}
		return protocol.LoginResponse{}, Internal("look up user", err)
	}

	usedTemp := matchesHash(u.TempPasswordHash, req.Password)
	if !usedTemp && !matchesHash(u.PasswordHash, req.Password) {
		return protocol.LoginResponse{}, wrongCredentials(nil)
	}
	// A locked account answers exactly like a bad credential; the real
	// reason stays in the log.
	if u.Status == protocol.UserLocked {
		s.logger.WarnContext(ctx, "login rejected for locked account", "user_id", u.ID)
		return protocol.LoginResponse{}, wrongCredentials(nil)
	}

	if usedTemp {
		// One-time credential: it must be replaced before a session opens.
		if len(req.NewPassword) < minPasswordLen {
			return protocol.LoginResponse{}, validationFailed("a new password of at least 8 characters is required")
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
		if err != nil {
			return protocol.LoginResponse{}, Internal("hash password", err)
		}
		if err := s.store.UpdateUserPassword(ctx, u.ID, hash); err != nil {
			return protocol.LoginResponse{}, Internal("store password", err)
		}
		s.sessions.InvalidateUser(u.ID)
		s.logger.InfoContext(ctx, "temporary credential converted", "user_id", u.ID)
	}

	token := s.sessions.Create(u.ID)
	return protocol.LoginResponse{Token: token, User: u.View()}, nil
}

// Logout drops the presented session; it never fails on a stale token.
func (s *Service) Logout(ctx context.Context, token string) {
	s.sessions.Invalidate(token)
}

// ChangePassword replaces the caller's credential and revokes every session
// the account holds, including the one making the call.
func (s *Service) ChangePassword(ctx context.Context, userID int64, req protocol.ChangePasswordRequest) error {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return Internal("look up user", err)
	}
	if !matchesHash(u.PasswordHash, req.CurrentPassword) {
		return wrongCredentials(nil)
	}
	if len(req.NewPassword) < minPasswordLen {
		return validationFailed("password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		return Internal("hash password", err)
	}
	if err := s.store.UpdateUserPassword(ctx, userID, hash); err != nil {
		return Internal("store password", err)
	}
	revoked := s.sessions.InvalidateUser(userID)
	s.logger.InfoContext(ctx, "password changed", "user_id", userID, "sessions_revoked", revoked)
	return nil
}

// ResetPassword issues a one-time credential by email. The response is the
// same whether or not the address corresponds to an account.
func (s *Service) ResetPassword(ctx context.Context, req protocol.ResetPasswordRequest) error {
	email := normalizeEmail(req.Email)
	u, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.logger.InfoContext(ctx, "password reset for unknown email")
			return nil
		}
		return Internal("look up user", err)
	}

	temp, err := randomPassword()
	if err != nil {
		return Internal("generate temporary password", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(temp), bcrypt.DefaultCost)
	if err != nil {
		return Internal("hash temporary password", err)
	}
	if err := s.store.SetTempPassword(ctx, u.ID, hash); err != nil {
		return Internal("store temporary password", err)
	}
	s.sessions.InvalidateUser(u.ID)
	if err := s.mailer.SendTempPassword(u.Email, temp); err != nil {
		// The credential is already set; delivery failure is logged, not
		// surfaced, so the response stays uniform.
		s.logger.ErrorContext(ctx, "temporary password mail failed", "user_id", u.ID, "err", err)
	}
	s.logger.InfoContext(ctx, "temporary password issued", "user_id", u.ID)
	return nil
}

// EditUser updates the caller's own profile fields.
func (s *Service) EditUser(ctx context.Context, callerID int64, req protocol.EditUserRequest) (protocol.User, error) {
	if err := s.allow(ctx, auth.OpEditUser, auth.Request{UserID: callerID, TargetUserID: req.UserID}); err != nil {
		return protocol.User{}, err
	}
	if req.FirstName == "" || req.LastName == "" {
		return protocol.User{}, validationFailed("first and last name are required")
	}
	if err := s.store.UpdateUserProfile(ctx, req.UserID, req.FirstName, req.LastName); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return protocol.User{}, notFound("user")
		}
		return protocol.User{}, Internal("update profile", err)
	}
	u, err := s.store.GetUser(ctx, req.UserID)
	if err != nil {
		return protocol.User{}, Internal("reload user", err)
	}
	return u.View(), nil
}

// ListUsers returns every account; administrative callers only.
func (s *Service) ListUsers(ctx context.Context, callerID int64) ([]protocol.User, error) {
	if err := s.allow(ctx, auth.OpListUsers, auth.Request{UserID: callerID}); err != nil {
		return nil, err
	}
	recs, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, Internal("list users", err)
	}
	out := make([]protocol.User, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.View())
	}
	return out, nil
}

// SetUserStatus locks or unlocks an account. Locking also revokes the
// account's sessions immediately.
func (s *Service) SetUserStatus(ctx context.Context, callerID int64, req protocol.SetUserStatusRequest) error {
	if err := s.allow(ctx, auth.OpSetUserStatus, auth.Request{UserID: callerID}); err != nil {
		return err
	}
	if req.Status != protocol.UserActive && req.Status != protocol.UserLocked {
		return validationFailed("status must be ACTIVE or LOCKED")
	}
	if err := s.store.UpdateUserStatus(ctx, req.UserID, req.Status); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return notFound("user")
		}
		return Internal("update status", err)
	}
	if req.Status == protocol.UserLocked {
		s.sessions.InvalidateUser(req.UserID)
	}
	s.logger.InfoContext(ctx, "user status changed", "user_id", req.UserID, "status", req.Status)
	return nil
}

func matchesHash(hash []byte, password string) bool {
	if len(hash) == 0 || password == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// randomPassword returns a 16-byte hex credential for temporary use.
func randomPassword() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
