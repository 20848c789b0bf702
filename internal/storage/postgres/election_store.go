package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/sfrink/certus/internal/protocol"
	"github.com/sfrink/certus/internal/storage"
)

const electionColumns = `election_id, name, description, type, status, owner_id, opens_at, closes_at, candidate_names, allowed_emails, public_key, private_key_enc, created_at`

func scanElection(row pgx.Row) (storage.ElectionRecord, error) {
	var e storage.ElectionRecord
	err := row.Scan(&e.Election.ID, &e.Election.Name, &e.Election.Description,
		&e.Election.Type, &e.Election.Status, &e.Election.OwnerID,
		&e.Election.OpensAt, &e.Election.ClosesAt,
		&e.Election.CandidateNames, &e.Election.AllowedEmails,
		&e.PublicKey, &e.PrivateKeyEnc, &e.Election.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return e, storage.ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.Election.OpensAt = e.Election.OpensAt.UTC()
	e.Election.ClosesAt = e.Election.ClosesAt.UTC()
	e.Election.CreatedAt = e.Election.CreatedAt.UTC()
	return e, nil
}

func (s *Store) CreateElection(ctx context.Context, e storage.ElectionRecord) (int64, error) {
	var id int64
	err := s.retry(ctx, func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, `
INSERT INTO elections (name, description, type, status, owner_id, opens_at, closes_at, candidate_names, allowed_emails, public_key, private_key_enc)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING election_id
`, e.Election.Name, e.Election.Description, e.Election.Type, e.Election.Status,
			e.Election.OwnerID, e.Election.OpensAt.UTC(), e.Election.ClosesAt.UTC(),
			e.Election.CandidateNames, e.Election.AllowedEmails,
			e.PublicKey, e.PrivateKeyEnc).Scan(&id)
	})
	return id, err
}

func (s *Store) GetElection(ctx context.Context, id int64) (storage.ElectionRecord, error) {
	var e storage.ElectionRecord
	err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		e, err = scanElection(s.pool.QueryRow(ctx,
			`SELECT `+electionColumns+` FROM elections WHERE election_id = $1`, id))
		return err
	})
	return e, err
}

func (s *Store) listElections(ctx context.Context, sql string, args ...any) ([]storage.ElectionRecord, error) {
	var out []storage.ElectionRecord
	err := s.retry(ctx, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			e, err := scanElection(rows)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	return out, err
}

func (s *Store) ListElections(ctx context.Context) ([]storage.ElectionRecord, error) {
	return s.listElections(ctx,
		`SELECT `+electionColumns+` FROM elections ORDER BY election_id`)
}

func (s *Store) ListElectionsByOwner(ctx context.Context, ownerID int64) ([]storage.ElectionRecord, error) {
	return s.listElections(ctx,
		`SELECT `+electionColumns+` FROM elections WHERE owner_id = $1 ORDER BY election_id`, ownerID)
}

func (s *Store) ListElectionsForVoter(ctx context.Context, userID int64) ([]storage.ElectionRecord, error) {
	return s.listElections(ctx, `
SELECT `+electionColumns+`
FROM elections e
WHERE e.status = 'OPEN'
  AND (e.type = 'PUBLIC'
       OR EXISTS (SELECT 1 FROM participants p WHERE p.election_id = e.election_id AND p.user_id = $1))
ORDER BY e.election_id
`, userID)
}

// UpdateElectionDraft rewrites the editable fields while the election is
// still NEW. The status guard lives in the statement so a concurrent open
// cannot race the edit.
func (s *Store) UpdateElectionDraft(ctx context.Context, e storage.ElectionRecord) error {
	return s.retry(ctx, func(ctx context.Context) error {
		cmd, err := s.pool.Exec(ctx, `
UPDATE elections
SET name = $2, description = $3, opens_at = $4, closes_at = $5, candidate_names = $6, allowed_emails = $7
WHERE election_id = $1 AND status = 'NEW'
`, e.Election.ID, e.Election.Name, e.Election.Description,
			e.Election.OpensAt.UTC(), e.Election.ClosesAt.UTC(),
			e.Election.CandidateNames, e.Election.AllowedEmails)
		if err != nil {
			return err
		}
		if cmd.RowsAffected() == 0 {
			return s.missingOrWrongStatus(ctx, e.Election.ID)
		}
		return nil
	})
}

// TransitionElection is the lifecycle gate: the row moves only from exactly
// the expected status.
func (s *Store) TransitionElection(ctx context.Context, id int64, from, to protocol.ElectionStatus) error {
	return s.retry(ctx, func(ctx context.Context) error {
		cmd, err := s.pool.Exec(ctx, `
UPDATE elections SET status = $3 WHERE election_id = $1 AND status = $2
`, id, from, to)
		if err != nil {
			return err
		}
		if cmd.RowsAffected() == 0 {
			return s.missingOrWrongStatus(ctx, id)
		}
		return nil
	})
}

func (s *Store) ClearAllowedEmails(ctx context.Context, id int64) error {
	return s.update(ctx, `UPDATE elections SET allowed_emails = '{}' WHERE election_id = $1`, id)
}

func (s *Store) missingOrWrongStatus(ctx context.Context, id int64) error {
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM elections WHERE election_id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	return storage.ErrWrongStatus
}

// Candidates.

func (s *Store) ReplaceCandidates(ctx context.Context, electionID int64, names []string) ([]protocol.Candidate, error) {
	var out []protocol.Candidate
	err := s.retry(ctx, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() {
			_ = tx.Rollback(ctx)
		}()

		if _, err := tx.Exec(ctx,
			`DELETE FROM candidates WHERE election_id = $1`, electionID); err != nil {
			return err
		}
		out = out[:0]
		for i, name := range names {
			var id int64
			err := tx.QueryRow(ctx, `
INSERT INTO candidates (election_id, name, display_order, status)
VALUES ($1, $2, $3, $4)
RETURNING candidate_id
`, electionID, name, i+1, protocol.CandidateEnabled).Scan(&id)
			if err != nil {
				return err
			}
			out = append(out, protocol.Candidate{
				ID:           id,
				ElectionID:   electionID,
				Name:         name,
				DisplayOrder: i + 1,
				Status:       protocol.CandidateEnabled,
			})
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListCandidates(ctx context.Context, electionID int64) ([]protocol.Candidate, error) {
	var out []protocol.Candidate
	err := s.retry(ctx, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
SELECT candidate_id, election_id, name, display_order, status
FROM candidates
WHERE election_id = $1
ORDER BY display_order
`, electionID)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var c protocol.Candidate
			if err := rows.Scan(&c.ID, &c.ElectionID, &c.Name, &c.DisplayOrder, &c.Status); err != nil {
				return err
			}
			out = append(out, c)
		}
		return rows.Err()
	})
	return out, err
}

func (s *Store) UpdateCandidateStatus(ctx context.Context, candidateID int64, status protocol.CandidateStatus) error {
	return s.update(ctx, `UPDATE candidates SET status = $2 WHERE candidate_id = $1`, candidateID, status)
}

// Participation.

func (s *Store) AddParticipants(ctx context.Context, electionID int64, userIDs []int64) error {
	if len(userIDs) == 0 {
		return nil
	}
	return s.retry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
INSERT INTO participants (election_id, user_id)
SELECT $1, unnest($2::bigint[])
ON CONFLICT DO NOTHING
`, electionID, userIDs)
		return err
	})
}

func (s *Store) IsParticipant(ctx context.Context, electionID, userID int64) (bool, error) {
	var exists bool
	err := s.retry(ctx, func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM participants WHERE election_id = $1 AND user_id = $2)
`, electionID, userID).Scan(&exists)
	})
	return exists, err
}
