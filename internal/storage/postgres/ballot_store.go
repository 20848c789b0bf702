package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sfrink/certus/internal/protocol"
	"github.com/sfrink/certus/internal/storage"
)

// InsertBallot stores one ballot per (voter, election). The primary key is
// the arbiter: a second cast maps to ErrDuplicateBallot without ever reading
// the stored row. The insert itself is guarded on the election being OPEN,
// so a cast racing a close cannot land after the election left OPEN;
// zero rows inserted maps to ErrWrongStatus.
func (s *Store) InsertBallot(ctx context.Context, b protocol.Ballot) error {
	err := s.retry(ctx, func(ctx context.Context) error {
		cmd, err := s.pool.Exec(ctx, `
INSERT INTO ballots (voter_id, election_id, payload, signature)
SELECT $1, $2, $3, $4
WHERE EXISTS (
	SELECT 1 FROM elections WHERE election_id = $2 AND status = $5
)
`, b.VoterID, b.ElectionID, b.Payload, b.Signature, protocol.ElectionOpen)
		if err != nil {
			return err
		}
		if cmd.RowsAffected() == 0 {
			return storage.ErrWrongStatus
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicateBallot
		}
		return err
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *Store) ListBallots(ctx context.Context, electionID int64) ([]protocol.Ballot, error) {
	var out []protocol.Ballot
	err := s.retry(ctx, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
SELECT voter_id, election_id, payload, signature, cast_at
FROM ballots
WHERE election_id = $1
ORDER BY cast_at, voter_id
`, electionID)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var b protocol.Ballot
			if err := rows.Scan(&b.VoterID, &b.ElectionID, &b.Payload, &b.Signature, &b.CastAt); err != nil {
				return err
			}
			b.CastAt = b.CastAt.UTC()
			out = append(out, b)
		}
		return rows.Err()
	})
	return out, err
}

// SaveResults replaces the result rows for an election in one transaction.
// Either every candidate's row lands or none do.
func (s *Store) SaveResults(ctx context.Context, electionID int64, results []protocol.Result) error {
	return s.retry(ctx, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() {
			_ = tx.Rollback(ctx)
		}()

		if _, err := tx.Exec(ctx,
			`DELETE FROM results WHERE election_id = $1`, electionID); err != nil {
			return err
		}
		for _, r := range results {
			_, err := tx.Exec(ctx, `
INSERT INTO results (election_id, candidate_id, candidate, vote_count, winner)
VALUES ($1, $2, $3, $4, $5)
`, electionID, r.CandidateID, r.Candidate, r.VoteCount, r.Winner)
			if err != nil {
				return err
			}
		}
		return tx.Commit(ctx)
	})
}

func (s *Store) ListResults(ctx context.Context, electionID int64) ([]protocol.Result, error) {
	var out []protocol.Result
	err := s.retry(ctx, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
SELECT election_id, candidate_id, candidate, vote_count, winner
FROM results
WHERE election_id = $1
ORDER BY candidate_id
`, electionID)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var r protocol.Result
			if err := rows.Scan(&r.ElectionID, &r.CandidateID, &r.Candidate, &r.VoteCount, &r.Winner); err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, storage.ErrNotFound
	}
	return out, nil
}
