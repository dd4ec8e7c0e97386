package gatehouse

import (
	"crypto/rand"
	"crypto/sha256"
	"math/big"
	"strings"
)

// recoveryCodeAlphabet omits 0/O/1/I so codes survive being read aloud or
// retyped from paper.
const recoveryCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func newRecoveryCode(length int) (string, error) {
	var b strings.Builder
	b.Grow(length)
	max := big.NewInt(int64(len(recoveryCodeAlphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(recoveryCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// formatRecoveryCode inserts a mid-code dash for readability; the dash is
// stripped again during canonicalization.
func formatRecoveryCode(code string) string {
	n := len(code)
	if n < 8 {
		return code
	}
	mid := n / 2
	return code[:mid] + "-" + code[mid:]
}

func canonicalizeRecoveryCode(code string) string {
	s := strings.ToUpper(strings.TrimSpace(code))
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, " ", "")
	return s
}

// recoveryCodeHash salts the hash with the user id so identical codes issued
// to different users never collide in storage.
func recoveryCodeHash(userID, canonicalCode string) [32]byte {
	data := make([]byte, 0, len(userID)+1+len(canonicalCode))
	data = append(data, userID...)
	data = append(data, 0)
	data = append(data, canonicalCode...)
	return sha256.Sum256(data)
}

// generateRecoveryBatch returns the display codes and the hash records to
// persist. Plaintext codes exist only in the returned slice.
func generateRecoveryBatch(userID string, count, length int) ([]string, []RecoveryCodeRecord, error) {
	codes := make([]string, 0, count)
	records := make([]RecoveryCodeRecord, 0, count)
	for i := 0; i < count; i++ {
		raw, err := newRecoveryCode(length)
		if err != nil {
			return nil, nil, err
		}
		records = append(records, RecoveryCodeRecord{Hash: recoveryCodeHash(userID, raw)})
		codes = append(codes, formatRecoveryCode(raw))
	}
	return codes, records, nil
}
