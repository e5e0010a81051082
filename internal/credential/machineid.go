package credential

import (
	"crypto/sha256"
	"encoding/hex"
)

// ResolveMachineID implements C6's resolution order (spec §4.10):
//  1. the credential's own machine_id, if set
//  2. the pool-wide configured default, if set
//  3. a SHA-256 derivation from the credential's refresh token, so the same
//     credential always yields the same synthetic machine ID across restarts
func ResolveMachineID(cred *Credential, configured string) string {
	cred.mu.Lock()
	own := cred.MachineID
	refreshToken := cred.RefreshToken
	cred.mu.Unlock()

	if own != "" {
		return own
	}
	if configured != "" {
		return configured
	}
	return deriveMachineID(refreshToken)
}

func deriveMachineID(refreshToken string) string {
	sum := sha256.Sum256([]byte(refreshToken))
	return hex.EncodeToString(sum[:])
}
