package service

import (
	"context"
	"crypto/rsa"
	"testing"

	certuscrypto "github.com/sfrink/certus/internal/crypto"
	"github.com/sfrink/certus/internal/protocol"
)

// seedCandidates materializes three candidate rows for an OPEN election.
func seedCandidates(t *testing.T, store *fakeStore, electionID int64) []protocol.Candidate {
	t.Helper()
	candidates, err := store.ReplaceCandidates(context.Background(), electionID, []string{"Alice", "Bob", "Carol"})
	if err != nil {
		t.Fatalf("seed candidates: %v", err)
	}
	return candidates
}

// closeElectionRow moves the OPEN election to CLOSED directly in the store.
func closeElectionRow(t *testing.T, store *fakeStore, electionID int64) {
	t.Helper()
	if err := store.TransitionElection(context.Background(), electionID, protocol.ElectionOpen, protocol.ElectionClosed); err != nil {
		t.Fatalf("close election: %v", err)
	}
}

// closeForTally seeds three candidates and moves the election to CLOSED, for
// tests that need no ballots.
func closeForTally(t *testing.T, store *fakeStore, electionID int64) []protocol.Candidate {
	t.Helper()
	candidates := seedCandidates(t, store, electionID)
	closeElectionRow(t, store, electionID)
	return candidates
}

// insertBallots builds and stores one valid ballot per voter for the chosen
// candidate ids, bypassing the cast path so tests can target the tally alone.
// The election must still be OPEN: the store refuses ballots afterwards.
func insertBallots(t *testing.T, store *fakeStore, electionID int64, electionPub *rsa.PublicKey, votes map[int64]int64) {
	t.Helper()
	for voter, candidate := range votes {
		priv := addVoterKeys(t, store, voter)
		payload, sig, err := certuscrypto.BuildBallot(candidate, electionPub, priv)
		if err != nil {
			t.Fatalf("build ballot: %v", err)
		}
		if err := store.InsertBallot(context.Background(), protocol.Ballot{
			VoterID: voter, ElectionID: electionID, Payload: payload, Signature: sig,
		}); err != nil {
			t.Fatalf("insert ballot: %v", err)
		}
	}
}

func TestPublishResultsCountsAndSeedsZeros(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(t, store)
	owner := addUser(t, store, "owner@x.com", "password-one", protocol.RoleAuthority)
	v1 := addUser(t, store, "v1@x.com", "password-one", protocol.RoleElectorate)
	v2 := addUser(t, store, "v2@x.com", "password-one", protocol.RoleElectorate)
	v3 := addUser(t, store, "v3@x.com", "password-one", protocol.RoleElectorate)
	electionID, electionPub := addElection(t, store, owner, protocol.ElectionPublic, protocol.ElectionOpen, "key-password")

	candidates := seedCandidates(t, store, electionID)
	alice, bob := candidates[0].ID, candidates[1].ID

	// Two for Alice, one for Bob, Carol unvoted.
	insertBallots(t, store, electionID, electionPub, map[int64]int64{v1: alice, v2: alice, v3: bob})
	closeElectionRow(t, store, electionID)

	summary, err := svc.PublishResults(context.Background(), owner, protocol.PublishResultsRequest{
		ElectionID: electionID, KeyPassword: "key-password",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if summary.Counted != 3 || summary.Rejected != 0 {
		t.Fatalf("unexpected summary: counted=%d rejected=%d", summary.Counted, summary.Rejected)
	}
	if len(summary.Results) != 3 {
		t.Fatalf("every candidate needs a row, got %d", len(summary.Results))
	}
	byName := make(map[string]protocol.Result)
	for _, r := range summary.Results {
		byName[r.Candidate] = r
	}
	if byName["Alice"].VoteCount != 2 || !byName["Alice"].Winner {
		t.Fatalf("Alice should win with 2: %+v", byName["Alice"])
	}
	if byName["Bob"].VoteCount != 1 || byName["Bob"].Winner {
		t.Fatalf("Bob should have 1 and not win: %+v", byName["Bob"])
	}
	if byName["Carol"].VoteCount != 0 || byName["Carol"].Winner {
		t.Fatalf("Carol should be seeded at zero: %+v", byName["Carol"])
	}

	e, err := store.GetElection(context.Background(), electionID)
	if err != nil {
		t.Fatalf("get election: %v", err)
	}
	if e.Election.Status != protocol.ElectionPublished {
		t.Fatalf("expected PUBLISHED, got %s", e.Election.Status)
	}
}

func TestPublishResultsTieMarksAllWinners(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(t, store)
	owner := addUser(t, store, "owner@x.com", "password-one", protocol.RoleAuthority)
	v1 := addUser(t, store, "v1@x.com", "password-one", protocol.RoleElectorate)
	v2 := addUser(t, store, "v2@x.com", "password-one", protocol.RoleElectorate)
	electionID, electionPub := addElection(t, store, owner, protocol.ElectionPublic, protocol.ElectionOpen, "key-password")

	candidates := seedCandidates(t, store, electionID)
	insertBallots(t, store, electionID, electionPub, map[int64]int64{v1: candidates[0].ID, v2: candidates[1].ID})
	closeElectionRow(t, store, electionID)

	summary, err := svc.PublishResults(context.Background(), owner, protocol.PublishResultsRequest{
		ElectionID: electionID, KeyPassword: "key-password",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	winners := 0
	for _, r := range summary.Results {
		if r.Winner {
			winners++
		}
	}
	if winners != 2 {
		t.Fatalf("a 1-1 tie should mark both winners, got %d", winners)
	}
}

func TestPublishResultsRejectsDisabledCandidateBallots(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(t, store)
	owner := addUser(t, store, "owner@x.com", "password-one", protocol.RoleAuthority)
	v1 := addUser(t, store, "v1@x.com", "password-one", protocol.RoleElectorate)
	v2 := addUser(t, store, "v2@x.com", "password-one", protocol.RoleElectorate)
	electionID, electionPub := addElection(t, store, owner, protocol.ElectionPublic, protocol.ElectionOpen, "key-password")

	candidates := seedCandidates(t, store, electionID)
	insertBallots(t, store, electionID, electionPub, map[int64]int64{
		v1: candidates[0].ID, v2: candidates[1].ID,
	})
	closeElectionRow(t, store, electionID)
	if err := store.UpdateCandidateStatus(context.Background(), candidates[1].ID, protocol.CandidateDisabled); err != nil {
		t.Fatalf("disable candidate: %v", err)
	}

	summary, err := svc.PublishResults(context.Background(), owner, protocol.PublishResultsRequest{
		ElectionID: electionID, KeyPassword: "key-password",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if summary.Counted != 1 || summary.Rejected != 1 {
		t.Fatalf("the disabled candidate's ballot must be rejected: counted=%d rejected=%d",
			summary.Counted, summary.Rejected)
	}
	if len(summary.Results) != 2 {
		t.Fatalf("a DISABLED candidate gets no result row, got %d rows", len(summary.Results))
	}
	for _, r := range summary.Results {
		if r.CandidateID == candidates[1].ID {
			t.Fatalf("disabled candidate must not appear in results: %+v", r)
		}
	}
}

func TestPublishResultsNoBallotsNoWinner(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(t, store)
	owner := addUser(t, store, "owner@x.com", "password-one", protocol.RoleAuthority)
	electionID, _ := addElection(t, store, owner, protocol.ElectionPublic, protocol.ElectionOpen, "key-password")
	closeForTally(t, store, electionID)

	summary, err := svc.PublishResults(context.Background(), owner, protocol.PublishResultsRequest{
		ElectionID: electionID, KeyPassword: "key-password",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	for _, r := range summary.Results {
		if r.Winner {
			t.Fatalf("no candidate can win with zero votes: %+v", r)
		}
		if r.VoteCount != 0 {
			t.Fatalf("expected zero counts: %+v", r)
		}
	}
}

func TestPublishResultsWrongKeyPasswordLeavesState(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(t, store)
	owner := addUser(t, store, "owner@x.com", "password-one", protocol.RoleAuthority)
	electionID, _ := addElection(t, store, owner, protocol.ElectionPublic, protocol.ElectionOpen, "key-password")
	closeForTally(t, store, electionID)

	_, err := svc.PublishResults(context.Background(), owner, protocol.PublishResultsRequest{
		ElectionID: electionID, KeyPassword: "not-the-password",
	})
	if !IsCode(err, "WRONG_PASSWORD") {
		t.Fatalf("expected WRONG_PASSWORD, got %v", err)
	}
	e, _ := store.GetElection(context.Background(), electionID)
	if e.Election.Status != protocol.ElectionClosed {
		t.Fatalf("a failed publish must leave CLOSED, got %s", e.Election.Status)
	}
	if _, err := store.ListResults(context.Background(), electionID); err == nil {
		t.Fatal("no results should be stored")
	}
}

func TestPublishResultsSecondRunRejected(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(t, store)
	owner := addUser(t, store, "owner@x.com", "password-one", protocol.RoleAuthority)
	electionID, _ := addElection(t, store, owner, protocol.ElectionPublic, protocol.ElectionOpen, "key-password")
	closeForTally(t, store, electionID)

	req := protocol.PublishResultsRequest{ElectionID: electionID, KeyPassword: "key-password"}
	if _, err := svc.PublishResults(context.Background(), owner, req); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	_, err := svc.PublishResults(context.Background(), owner, req)
	if !IsCode(err, "WRONG_STATUS") {
		t.Fatalf("second publish must fail the status gate, got %v", err)
	}
}

func TestPublishResultsOwnerOnly(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(t, store)
	owner := addUser(t, store, "owner@x.com", "password-one", protocol.RoleAuthority)
	admin := addUser(t, store, "adm@x.com", "password-one", protocol.RoleAdmin)
	electionID, _ := addElection(t, store, owner, protocol.ElectionPublic, protocol.ElectionOpen, "key-password")
	closeForTally(t, store, electionID)

	// Even an admin cannot publish: the key password belongs to the owner.
	_, err := svc.PublishResults(context.Background(), admin, protocol.PublishResultsRequest{
		ElectionID: electionID, KeyPassword: "key-password",
	})
	if !IsCode(err, "PERMISSION_DENIED") {
		t.Fatalf("expected PERMISSION_DENIED for admin, got %v", err)
	}
}

func TestPublishResultsRollsBackOnSaveFailure(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(t, store)
	owner := addUser(t, store, "owner@x.com", "password-one", protocol.RoleAuthority)
	electionID, _ := addElection(t, store, owner, protocol.ElectionPublic, protocol.ElectionOpen, "key-password")
	closeForTally(t, store, electionID)
	store.failSaveResults = true

	_, err := svc.PublishResults(context.Background(), owner, protocol.PublishResultsRequest{
		ElectionID: electionID, KeyPassword: "key-password",
	})
	if err == nil {
		t.Fatal("expected publish to fail")
	}
	e, _ := store.GetElection(context.Background(), electionID)
	if e.Election.Status != protocol.ElectionClosed {
		t.Fatalf("failed save must revert to CLOSED, got %s", e.Election.Status)
	}
}

func TestResultsVisibility(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(t, store)
	owner := addUser(t, store, "owner@x.com", "password-one", protocol.RoleAuthority)
	voter := addUser(t, store, "v@x.com", "password-one", protocol.RoleElectorate)
	electionID, _ := addElection(t, store, owner, protocol.ElectionPublic, protocol.ElectionOpen, "key-password")
	closeForTally(t, store, electionID)

	// Before publish the voter is denied outright.
	if _, err := svc.Results(context.Background(), voter, electionID); !IsCode(err, "PERMISSION_DENIED") {
		t.Fatalf("expected PERMISSION_DENIED before publish, got %v", err)
	}

	if _, err := svc.PublishResults(context.Background(), owner, protocol.PublishResultsRequest{
		ElectionID: electionID, KeyPassword: "key-password",
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	results, err := svc.Results(context.Background(), voter, electionID)
	if err != nil {
		t.Fatalf("voter should see published results: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected result rows")
	}
	if _, err := svc.Results(context.Background(), owner, electionID); err != nil {
		t.Fatalf("owner should see results: %v", err)
	}
}
