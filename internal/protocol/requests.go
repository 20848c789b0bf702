package protocol

import "time"

// Unauthenticated operations.

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	// NewPassword must be set when logging in with a temporary credential:
	// the temp password is consumed and replaced in the same call.
	NewPassword string `json:"new_password,omitempty"`
}

type LoginResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

type RegisterRequest struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Password  string `json:"password"`
}

type ResetPasswordRequest struct {
	Email string `json:"email"`
}

// Self-service operations.

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type EditUserRequest struct {
	UserID    int64  `json:"user_id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type UploadPublicKeyRequest struct {
	UserID    int64  `json:"user_id"`
	PublicKey []byte `json:"public_key"`
	Password  string `json:"password"`
}

type GenerateKeysRequest struct {
	UserID   int64  `json:"user_id"`
	Password string `json:"password"`
}

// KeyPairResponse carries a freshly generated key pair. The private half is
// returned exactly once and never persisted server-side.
type KeyPairResponse struct {
	PublicKey  []byte `json:"public_key"`
	PrivateKey []byte `json:"private_key"`
}

// Admin operations.

type SetUserStatusRequest struct {
	UserID int64      `json:"user_id"`
	Status UserStatus `json:"status"`
}

// Election lifecycle.

type CreateElectionRequest struct {
	Name           string       `json:"name"`
	Description    string       `json:"description"`
	Type           ElectionType `json:"type"`
	OpensAt        time.Time    `json:"opens_at"`
	ClosesAt       time.Time    `json:"closes_at"`
	CandidateNames []string     `json:"candidate_names"`
	AllowedEmails  []string     `json:"allowed_emails,omitempty"`
	// KeyPassword protects the election private key at rest. It is known
	// only to the owner and is required again at publish time.
	KeyPassword string `json:"key_password"`
}

type EditElectionRequest struct {
	ElectionID     int64     `json:"election_id"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	OpensAt        time.Time `json:"opens_at"`
	ClosesAt       time.Time `json:"closes_at"`
	CandidateNames []string  `json:"candidate_names"`
	AllowedEmails  []string  `json:"allowed_emails,omitempty"`
}

type AddVotersRequest struct {
	ElectionID int64    `json:"election_id"`
	Emails     []string `json:"emails"`
}

type SetCandidateStatusRequest struct {
	ElectionID  int64           `json:"election_id"`
	CandidateID int64           `json:"candidate_id"`
	Status      CandidateStatus `json:"status"`
}

// Voting.

type CastVoteRequest struct {
	ElectionID int64  `json:"election_id"`
	Payload    []byte `json:"payload"`
	Signature  []byte `json:"signature"`
}

type PublishResultsRequest struct {
	ElectionID  int64  `json:"election_id"`
	KeyPassword string `json:"key_password"`
}
