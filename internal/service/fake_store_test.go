package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sfrink/certus/internal/protocol"
	"github.com/sfrink/certus/internal/storage"
)

// fakeStore is an in-memory storage.Store for service tests. It enforces the
// same uniqueness rules the postgres implementation gets from constraints.
type fakeStore struct {
	mu            sync.Mutex
	users         map[int64]storage.UserRecord
	elections     map[int64]storage.ElectionRecord
	candidates    map[int64][]protocol.Candidate
	participants  map[int64]map[int64]bool
	ballots       map[[2]int64]protocol.Ballot
	results       map[int64][]protocol.Result
	nextUser      int64
	nextElection  int64
	nextCandidate int64

	failSaveResults       bool
	failReplaceCandidates bool
	beforeInsertBallot    func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:        make(map[int64]storage.UserRecord),
		elections:    make(map[int64]storage.ElectionRecord),
		candidates:   make(map[int64][]protocol.Candidate),
		participants: make(map[int64]map[int64]bool),
		ballots:      make(map[[2]int64]protocol.Ballot),
		results:      make(map[int64][]protocol.Result),
	}
}

func (f *fakeStore) CreateUser(ctx context.Context, u storage.UserRecord) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.users {
		if existing.Email == u.Email {
			return 0, storage.ErrDuplicateEmail
		}
	}
	f.nextUser++
	u.ID = f.nextUser
	u.CreatedAt = time.Now().UTC()
	f.users[u.ID] = u
	return u.ID, nil
}

func (f *fakeStore) GetUser(ctx context.Context, id int64) (storage.UserRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return storage.UserRecord{}, storage.ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (storage.UserRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == email {
			return u, nil
		}
	}
	return storage.UserRecord{}, storage.ErrNotFound
}

func (f *fakeStore) ListUsers(ctx context.Context) ([]storage.UserRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storage.UserRecord, 0, len(f.users))
	for _, u := range f.users {
		out = append(out, u)
	}
	return out, nil
}

func (f *fakeStore) UpdateUserProfile(ctx context.Context, id int64, firstName, lastName string) error {
	return f.mutateUser(id, func(u *storage.UserRecord) {
		u.FirstName = firstName
		u.LastName = lastName
	})
}

func (f *fakeStore) UpdateUserStatus(ctx context.Context, id int64, status protocol.UserStatus) error {
	return f.mutateUser(id, func(u *storage.UserRecord) { u.Status = status })
}

func (f *fakeStore) UpdateUserPassword(ctx context.Context, id int64, hash []byte) error {
	return f.mutateUser(id, func(u *storage.UserRecord) {
		u.PasswordHash = hash
		u.TempPasswordHash = nil
	})
}

func (f *fakeStore) SetTempPassword(ctx context.Context, id int64, hash []byte) error {
	return f.mutateUser(id, func(u *storage.UserRecord) { u.TempPasswordHash = hash })
}

func (f *fakeStore) UpdateUserPublicKey(ctx context.Context, id int64, publicKey []byte) error {
	return f.mutateUser(id, func(u *storage.UserRecord) { u.PublicKey = publicKey })
}

func (f *fakeStore) mutateUser(id int64, fn func(*storage.UserRecord)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return storage.ErrNotFound
	}
	fn(&u)
	f.users[id] = u
	return nil
}

func (f *fakeStore) CreateElection(ctx context.Context, e storage.ElectionRecord) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextElection++
	e.Election.ID = f.nextElection
	e.Election.CreatedAt = time.Now().UTC()
	f.elections[e.Election.ID] = e
	return e.Election.ID, nil
}

func (f *fakeStore) GetElection(ctx context.Context, id int64) (storage.ElectionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.elections[id]
	if !ok {
		return storage.ElectionRecord{}, storage.ErrNotFound
	}
	return e, nil
}

func (f *fakeStore) ListElections(ctx context.Context) ([]storage.ElectionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storage.ElectionRecord, 0, len(f.elections))
	for _, e := range f.elections {
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeStore) ListElectionsByOwner(ctx context.Context, ownerID int64) ([]storage.ElectionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.ElectionRecord
	for _, e := range f.elections {
		if e.Election.OwnerID == ownerID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) ListElectionsForVoter(ctx context.Context, userID int64) ([]storage.ElectionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.ElectionRecord
	for id, e := range f.elections {
		if e.Election.Status != protocol.ElectionOpen {
			continue
		}
		if e.Election.Type == protocol.ElectionPublic || f.participants[id][userID] {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateElectionDraft(ctx context.Context, e storage.ElectionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.elections[e.Election.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if existing.Election.Status != protocol.ElectionNew {
		return storage.ErrWrongStatus
	}
	existing.Election.Name = e.Election.Name
	existing.Election.Description = e.Election.Description
	existing.Election.OpensAt = e.Election.OpensAt
	existing.Election.ClosesAt = e.Election.ClosesAt
	existing.Election.CandidateNames = e.Election.CandidateNames
	existing.Election.AllowedEmails = e.Election.AllowedEmails
	f.elections[e.Election.ID] = existing
	return nil
}

func (f *fakeStore) TransitionElection(ctx context.Context, id int64, from, to protocol.ElectionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.elections[id]
	if !ok {
		return storage.ErrNotFound
	}
	if e.Election.Status != from {
		return storage.ErrWrongStatus
	}
	e.Election.Status = to
	f.elections[id] = e
	return nil
}

func (f *fakeStore) ClearAllowedEmails(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.elections[id]
	if !ok {
		return storage.ErrNotFound
	}
	e.Election.AllowedEmails = nil
	f.elections[id] = e
	return nil
}

func (f *fakeStore) ReplaceCandidates(ctx context.Context, electionID int64, names []string) ([]protocol.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failReplaceCandidates {
		return nil, errors.New("induced candidate failure")
	}
	out := make([]protocol.Candidate, 0, len(names))
	for i, name := range names {
		f.nextCandidate++
		out = append(out, protocol.Candidate{
			ID:           f.nextCandidate,
			ElectionID:   electionID,
			Name:         name,
			DisplayOrder: i + 1,
			Status:       protocol.CandidateEnabled,
		})
	}
	f.candidates[electionID] = out
	return out, nil
}

func (f *fakeStore) ListCandidates(ctx context.Context, electionID int64) ([]protocol.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Candidate(nil), f.candidates[electionID]...), nil
}

func (f *fakeStore) UpdateCandidateStatus(ctx context.Context, candidateID int64, status protocol.CandidateStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for electionID, list := range f.candidates {
		for i, c := range list {
			if c.ID == candidateID {
				list[i].Status = status
				f.candidates[electionID] = list
				return nil
			}
		}
	}
	return storage.ErrNotFound
}

func (f *fakeStore) AddParticipants(ctx context.Context, electionID int64, userIDs []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := f.participants[electionID]
	if set == nil {
		set = make(map[int64]bool)
		f.participants[electionID] = set
	}
	for _, id := range userIDs {
		set[id] = true
	}
	return nil
}

func (f *fakeStore) IsParticipant(ctx context.Context, electionID, userID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.participants[electionID][userID], nil
}

func (f *fakeStore) InsertBallot(ctx context.Context, b protocol.Ballot) error {
	if f.beforeInsertBallot != nil {
		f.beforeInsertBallot()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.elections[b.ElectionID]; !ok || e.Election.Status != protocol.ElectionOpen {
		return storage.ErrWrongStatus
	}
	key := [2]int64{b.VoterID, b.ElectionID}
	if _, exists := f.ballots[key]; exists {
		return storage.ErrDuplicateBallot
	}
	f.ballots[key] = b
	return nil
}

func (f *fakeStore) ListBallots(ctx context.Context, electionID int64) ([]protocol.Ballot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Ballot
	for _, b := range f.ballots {
		if b.ElectionID == electionID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeStore) SaveResults(ctx context.Context, electionID int64, results []protocol.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSaveResults {
		return errors.New("induced save failure")
	}
	f.results[electionID] = append([]protocol.Result(nil), results...)
	return nil
}

func (f *fakeStore) ListResults(ctx context.Context, electionID int64) ([]protocol.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows, ok := f.results[electionID]
	if !ok || len(rows) == 0 {
		return nil, storage.ErrNotFound
	}
	return append([]protocol.Result(nil), rows...), nil
}

func (f *fakeStore) Close() {}
