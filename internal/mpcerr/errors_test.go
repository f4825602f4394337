package mpcerr_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/dwallet-labs/ika-mpc-engine/internal/mpcerr"
)

func TestIsMatchesKind(t *testing.T) {
	err := mpcerr.New(mpcerr.Malicious, "duplicate message")
	assert.True(t, mpcerr.Is(err, mpcerr.Malicious))
	assert.False(t, mpcerr.Is(err, mpcerr.TransientPeer))
}

func TestKindOfDefaultsToFatalForUnknownErrors(t *testing.T) {
	assert.Equal(t, mpcerr.CryptographicFatal, mpcerr.KindOf(errors.New("plain error")))
}

func TestWrapPreservesCauseForUnwrap(t *testing.T) {
	cause := errors.New("underlying failure")
	wrapped := mpcerr.Wrap(mpcerr.Configuration, cause, "loading network key")
	assert.True(t, mpcerr.Is(wrapped, mpcerr.Configuration))
	assert.ErrorIs(t, wrapped, cause)
}

func TestCombineMergesNonNilErrors(t *testing.T) {
	e1 := mpcerr.New(mpcerr.Malicious, "a")
	e2 := mpcerr.New(mpcerr.Malicious, "b")
	merged := mpcerr.Combine(nil, e1, nil, e2)
	assert.Error(t, merged)
	assert.Contains(t, merged.Error(), "a")
	assert.Contains(t, merged.Error(), "b")
}

func TestCombineReturnsNilForAllNil(t *testing.T) {
	assert.NoError(t, mpcerr.Combine(nil, nil))
}
