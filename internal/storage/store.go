package storage

import (
	"context"
	"errors"
	"time"

	"github.com/sfrink/certus/internal/protocol"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateBallot is returned when a (voter, election) pair already
	// has a ballot. The database uniqueness constraint is the arbiter; the
	// stored ballot is never overwritten.
	ErrDuplicateBallot = errors.New("ballot already cast")
	// ErrDuplicateEmail is returned when a user email is already taken.
	ErrDuplicateEmail = errors.New("email already registered")
	// ErrWrongStatus is returned by guarded updates when the row is not in
	// the expected lifecycle state.
	ErrWrongStatus = errors.New("unexpected lifecycle status")
)

// UserRecord is the persistent form of an account. Password hashes are
// bcrypt, which embeds an independent salt per hash. TempPasswordHash is the
// one-time credential issued for first login or reset; nil when unset.
type UserRecord struct {
	ID               int64
	FirstName        string
	LastName         string
	Email            string
	PasswordHash     []byte
	TempPasswordHash []byte
	PublicKey        []byte
	Role             protocol.UserRole
	Status           protocol.UserStatus
	CreatedAt        time.Time
}

// View strips the credential material for wire exposure.
func (u UserRecord) View() protocol.User {
	return protocol.User{
		ID:        u.ID,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Email:     u.Email,
		Role:      u.Role,
		Status:    u.Status,
		HasKey:    len(u.PublicKey) > 0,
	}
}

// ElectionRecord is the persistent form of an election. PublicKey is PKIX
// DER; PrivateKeyEnc is the election private key encrypted under the
// owner-supplied password and is never stored or served in plaintext.
type ElectionRecord struct {
	Election      protocol.Election
	PublicKey     []byte
	PrivateKeyEnc []byte
}

// Store is the record-oriented persistence collaborator the core calls into.
// Implementations enforce the uniqueness constraints; the core never assumes
// in-memory exclusivity replaces them.
type Store interface {
	// Users.
	CreateUser(ctx context.Context, u UserRecord) (int64, error)
	GetUser(ctx context.Context, id int64) (UserRecord, error)
	GetUserByEmail(ctx context.Context, email string) (UserRecord, error)
	ListUsers(ctx context.Context) ([]UserRecord, error)
	UpdateUserProfile(ctx context.Context, id int64, firstName, lastName string) error
	UpdateUserStatus(ctx context.Context, id int64, status protocol.UserStatus) error
	// UpdateUserPassword sets the permanent credential and clears any
	// temporary one in the same statement.
	UpdateUserPassword(ctx context.Context, id int64, hash []byte) error
	SetTempPassword(ctx context.Context, id int64, hash []byte) error
	UpdateUserPublicKey(ctx context.Context, id int64, publicKey []byte) error

	// Elections.
	CreateElection(ctx context.Context, e ElectionRecord) (int64, error)
	GetElection(ctx context.Context, id int64) (ElectionRecord, error)
	ListElections(ctx context.Context) ([]ElectionRecord, error)
	ListElectionsByOwner(ctx context.Context, ownerID int64) ([]ElectionRecord, error)
	// UpdateElectionDraft updates the editable fields while the election is
	// still NEW; ErrWrongStatus otherwise.
	UpdateElectionDraft(ctx context.Context, e ElectionRecord) error
	// TransitionElection moves the election from exactly the expected
	// status to the next one; ErrWrongStatus when the row is not in the
	// expected state. This is the hard lifecycle gate.
	TransitionElection(ctx context.Context, id int64, from, to protocol.ElectionStatus) error
	ClearAllowedEmails(ctx context.Context, id int64) error

	// Candidates.
	ReplaceCandidates(ctx context.Context, electionID int64, names []string) ([]protocol.Candidate, error)
	ListCandidates(ctx context.Context, electionID int64) ([]protocol.Candidate, error)
	UpdateCandidateStatus(ctx context.Context, candidateID int64, status protocol.CandidateStatus) error

	// Participation (PRIVATE election invitations).
	AddParticipants(ctx context.Context, electionID int64, userIDs []int64) error
	IsParticipant(ctx context.Context, electionID, userID int64) (bool, error)
	ListElectionsForVoter(ctx context.Context, userID int64) ([]ElectionRecord, error)

	// Ballots. InsertBallot only lands while the election row is OPEN;
	// ErrWrongStatus otherwise, so a cast racing a close cannot slip in
	// after the lifecycle moved on. A second (voter, election) cast is
	// ErrDuplicateBallot.
	InsertBallot(ctx context.Context, b protocol.Ballot) error
	ListBallots(ctx context.Context, electionID int64) ([]protocol.Ballot, error)

	// Results. SaveResults writes all rows in one transaction: either every
	// candidate's row lands or none do.
	SaveResults(ctx context.Context, electionID int64, results []protocol.Result) error
	ListResults(ctx context.Context, electionID int64) ([]protocol.Result, error)

	Close()
}
