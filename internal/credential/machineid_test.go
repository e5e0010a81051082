package credential

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveMachineIDPrefersOwnValue(t *testing.T) {
	c := &Credential{MachineID: "own-id", RefreshToken: "r"}
	assert.Equal(t, "own-id", ResolveMachineID(c, "configured"))
}

func TestResolveMachineIDFallsBackToConfigured(t *testing.T) {
	c := &Credential{RefreshToken: "r"}
	assert.Equal(t, "configured", ResolveMachineID(c, "configured"))
}

func TestResolveMachineIDDerivesFromRefreshTokenDeterministically(t *testing.T) {
	c1 := &Credential{RefreshToken: "same-token"}
	c2 := &Credential{RefreshToken: "same-token"}
	c3 := &Credential{RefreshToken: "different-token"}

	id1 := ResolveMachineID(c1, "")
	id2 := ResolveMachineID(c2, "")
	id3 := ResolveMachineID(c3, "")

	assert.Equal(t, id1, id2)
	assert.NotEqual(t, id1, id3)
	assert.Len(t, id1, 64) // hex-encoded SHA-256
}
