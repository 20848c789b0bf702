package protocol

import "time"

// ElectionStatus is the lifecycle state of an election. The only transitions
// the server performs are NEW->OPEN, OPEN->CLOSED, CLOSED->PUBLISHED, and
// any non-PUBLISHED state -> DELETED (soft delete, row kept).
type ElectionStatus string

const (
	ElectionNew       ElectionStatus = "NEW"
	ElectionOpen      ElectionStatus = "OPEN"
	ElectionClosed    ElectionStatus = "CLOSED"
	ElectionPublished ElectionStatus = "PUBLISHED"
	ElectionDeleted   ElectionStatus = "DELETED"
)

func (s ElectionStatus) Valid() bool {
	switch s {
	case ElectionNew, ElectionOpen, ElectionClosed, ElectionPublished, ElectionDeleted:
		return true
	}
	return false
}

// ElectionType controls voter eligibility. PUBLIC elections admit any active
// account; PRIVATE elections require an explicit invitation record.
type ElectionType string

const (
	ElectionPublic  ElectionType = "PUBLIC"
	ElectionPrivate ElectionType = "PRIVATE"
)

func (t ElectionType) Valid() bool {
	return t == ElectionPublic || t == ElectionPrivate
}

type UserRole string

const (
	RoleElectorate UserRole = "ELECTORATE"
	RoleAuthority  UserRole = "AUTHORITY"
	RoleAdmin      UserRole = "ADMIN"
)

func (r UserRole) Valid() bool {
	return r == RoleElectorate || r == RoleAuthority || r == RoleAdmin
}

type UserStatus string

const (
	UserActive UserStatus = "ACTIVE"
	UserLocked UserStatus = "LOCKED"
)

type CandidateStatus string

const (
	CandidateEnabled  CandidateStatus = "ENABLED"
	CandidateDisabled CandidateStatus = "DISABLED"
)

// Election is the wire view of an election. CandidateNames and AllowedEmails
// are ordered slices; AllowedEmails is only meaningful for PRIVATE elections
// and is cleared once the election opens and the invitations are recorded.
// The election key pair never appears here: the public half has its own
// endpoint and the private half only exists encrypted at rest.
type Election struct {
	ID             int64          `json:"id"`
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	Type           ElectionType   `json:"type"`
	Status         ElectionStatus `json:"status"`
	OwnerID        int64          `json:"owner_id"`
	OpensAt        time.Time      `json:"opens_at"`
	ClosesAt       time.Time      `json:"closes_at"`
	CandidateNames []string       `json:"candidate_names,omitempty"`
	AllowedEmails  []string       `json:"allowed_emails,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

type Candidate struct {
	ID           int64           `json:"id"`
	ElectionID   int64           `json:"election_id"`
	Name         string          `json:"name"`
	DisplayOrder int             `json:"display_order"`
	Status       CandidateStatus `json:"status"`
}

// Ballot is one voter's encrypted, signed choice for one election. Payload is
// the candidate selection encrypted under the election public key; Signature
// is computed with the voter's private key over Payload and verifiable with
// the voter's stored public key. At most one ballot exists per
// (voter, election) pair.
type Ballot struct {
	VoterID    int64     `json:"voter_id"`
	ElectionID int64     `json:"election_id"`
	Payload    []byte    `json:"payload"`
	Signature  []byte    `json:"signature"`
	CastAt     time.Time `json:"cast_at"`
}

// User is the wire view of an account. Credentials never leave the server.
type User struct {
	ID        int64      `json:"id"`
	FirstName string     `json:"first_name"`
	LastName  string     `json:"last_name"`
	Email     string     `json:"email"`
	Role      UserRole   `json:"role"`
	Status    UserStatus `json:"status"`
	HasKey    bool       `json:"has_key"`
}

// Result is one row of a published tally. Winner is set on every candidate
// sharing the strict maximum count when that maximum is greater than zero.
type Result struct {
	ElectionID  int64  `json:"election_id"`
	CandidateID int64  `json:"candidate_id"`
	Candidate   string `json:"candidate"`
	VoteCount   int    `json:"vote_count"`
	Winner      bool   `json:"winner"`
}

// VoteProgress is the lightweight pre-tally health check: ballots classified
// by signature validity alone, computable without the election private key.
type VoteProgress struct {
	ElectionID int64 `json:"election_id"`
	Total      int   `json:"total"`
	Valid      int   `json:"valid"`
	Rejected   int   `json:"rejected"`
}

// TallySummary reports what a publish run produced.
type TallySummary struct {
	ElectionID int64    `json:"election_id"`
	Results    []Result `json:"results"`
	Counted    int      `json:"counted"`
	Rejected   int      `json:"rejected"`
}

// Outcome is the uniform envelope every remote operation returns. Verified
// reports whether the operation succeeded; Message is human-readable and,
// for permission and credential failures, deliberately generic.
type Outcome struct {
	Verified bool   `json:"verified"`
	Message  string `json:"message"`
	Payload  any    `json:"payload,omitempty"`
}
