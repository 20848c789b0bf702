package crypto

import (
	stdcrypto "crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// Ballot envelope: the candidate selection is an integer id encoded as eight
// big-endian bytes, encrypted RSA-OAEP-SHA256 under the election public key,
// then signed RSA-PSS-SHA256 with the voter's private key over the
// ciphertext. Keeping the selection an integer bounds tally parsing; free
// text never reaches the results table.

// BuildBallot encrypts the candidate selection and signs the encrypted
// payload. Performed client-side in production; exported so tests and
// tooling can construct real ballots.
func BuildBallot(candidateID int64, electionPub *rsa.PublicKey, voterPriv *rsa.PrivateKey) (payload, signature []byte, err error) {
	var plain [8]byte
	binary.BigEndian.PutUint64(plain[:], uint64(candidateID))
	payload, err = rsa.EncryptOAEP(sha256.New(), rand.Reader, electionPub, plain[:], nil)
	if err != nil {
		return nil, nil, fmt.Errorf("encrypt selection: %w", err)
	}
	digest := sha256.Sum256(payload)
	signature, err = rsa.SignPSS(rand.Reader, voterPriv, stdcrypto.SHA256, digest[:], nil)
	if err != nil {
		return nil, nil, fmt.Errorf("sign ballot: %w", err)
	}
	return payload, signature, nil
}

// VerifyBallot checks the signature over the encrypted payload against the
// voter's public key.
func VerifyBallot(payload, signature []byte, voterPub *rsa.PublicKey) bool {
	digest := sha256.Sum256(payload)
	return rsa.VerifyPSS(voterPub, stdcrypto.SHA256, digest[:], signature, nil) == nil
}

// DecryptBallot re-verifies the signature and then decrypts the selection.
// Tallying must not trust a prior verification, so the check is repeated
// here. The second return is false when the ballot is rejected: bad
// signature, undecryptable payload, or a malformed selection. Membership of
// the id in the election's candidate set is the caller's check.
func DecryptBallot(payload, signature []byte, voterPub *rsa.PublicKey, electionPriv *rsa.PrivateKey) (int64, bool) {
	if !VerifyBallot(payload, signature, voterPub) {
		return 0, false
	}
	plain, err := rsa.DecryptOAEP(sha256.New(), nil, electionPriv, payload, nil)
	if err != nil {
		return 0, false
	}
	if len(plain) != 8 {
		return 0, false
	}
	id := int64(binary.BigEndian.Uint64(plain))
	if id <= 0 {
		return 0, false
	}
	return id, true
}
