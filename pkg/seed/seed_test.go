package seed_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dwallet-labs/ika-mpc-engine/pkg/seed"
)

func TestDeriveIsDeterministic(t *testing.T) {
	var root seed.Root
	root[0] = 7
	var sessionID [32]byte
	sessionID[1] = 9

	a := root.Derive(sessionID, 2, 0)
	b := root.Derive(sessionID, 2, 0)
	assert.Equal(t, a, b)
}

func TestDeriveVariesByRoundAndAttempt(t *testing.T) {
	var root seed.Root
	var sessionID [32]byte

	round0 := root.Derive(sessionID, 0, 0)
	round1 := root.Derive(sessionID, 1, 0)
	attempt1 := root.Derive(sessionID, 0, 1)

	assert.NotEqual(t, round0, round1)
	assert.NotEqual(t, round0, attempt1)
}

func TestDigestSessionIDIsDeterministic(t *testing.T) {
	a := seed.DigestSessionID([]byte("event-bytes"))
	b := seed.DigestSessionID([]byte("event-bytes"))
	assert.Equal(t, a, b)

	c := seed.DigestSessionID([]byte("other-event"))
	assert.NotEqual(t, a, c)
}
