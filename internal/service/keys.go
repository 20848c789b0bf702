package service

import (
	"context"
	"errors"

	"github.com/sfrink/certus/internal/auth"
	certuscrypto "github.com/sfrink/certus/internal/crypto"
	"github.com/sfrink/certus/internal/protocol"
	"github.com/sfrink/certus/internal/storage"
)

// UploadPublicKey stores a voter's signature verification key. The account
// password is required again so a hijacked session cannot swap the key.
func (s *Service) UploadPublicKey(ctx context.Context, callerID int64, req protocol.UploadPublicKeyRequest) error {
	if err := s.allow(ctx, auth.OpUploadKey, auth.Request{UserID: callerID, TargetUserID: req.UserID}); err != nil {
		return err
	}
	u, err := s.store.GetUser(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return notFound("user")
		}
		return Internal("look up user", err)
	}
	if !matchesHash(u.PasswordHash, req.Password) {
		return wrongCredentials(nil)
	}
	if !certuscrypto.ValidatePublicKey(req.PublicKey) {
		return validationFailed("public key must be a DER-encoded RSA key of at least 2048 bits")
	}
	if err := s.store.UpdateUserPublicKey(ctx, req.UserID, req.PublicKey); err != nil {
		return Internal("store public key", err)
	}
	s.logger.InfoContext(ctx, "public key uploaded", "user_id", req.UserID)
	return nil
}

// GenerateUserKeys creates a fresh key pair for the account, stores the
// public half, and returns both halves once. The private key is never
// persisted; losing the response means generating again.
func (s *Service) GenerateUserKeys(ctx context.Context, callerID int64, req protocol.GenerateKeysRequest) (protocol.KeyPairResponse, error) {
	if err := s.allow(ctx, auth.OpGenerateKeys, auth.Request{UserID: callerID, TargetUserID: req.UserID}); err != nil {
		return protocol.KeyPairResponse{}, err
	}
	u, err := s.store.GetUser(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return protocol.KeyPairResponse{}, notFound("user")
		}
		return protocol.KeyPairResponse{}, Internal("look up user", err)
	}
	if !matchesHash(u.PasswordHash, req.Password) {
		return protocol.KeyPairResponse{}, wrongCredentials(nil)
	}

	pubDER, priv, err := certuscrypto.GenerateKeyPair()
	if err != nil {
		return protocol.KeyPairResponse{}, Internal("generate key pair", err)
	}
	privDER, err := certuscrypto.MarshalPrivateKey(priv)
	if err != nil {
		return protocol.KeyPairResponse{}, Internal("encode private key", err)
	}
	if err := s.store.UpdateUserPublicKey(ctx, req.UserID, pubDER); err != nil {
		return protocol.KeyPairResponse{}, Internal("store public key", err)
	}
	s.logger.InfoContext(ctx, "key pair generated", "user_id", req.UserID)
	return protocol.KeyPairResponse{PublicKey: pubDER, PrivateKey: privDER}, nil
}
