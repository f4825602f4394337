package party_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwallet-labs/ika-mpc-engine/pkg/party"
)

func TestHasQuorumAtExactThreshold(t *testing.T) {
	access, err := party.NewAccessStructure(map[party.ID]uint64{1: 1, 2: 1, 3: 1, 4: 1}, 3)
	require.NoError(t, err)

	assert.True(t, access.HasQuorum(party.NewSet(1, 2, 3)))
	assert.False(t, access.HasQuorum(party.NewSet(1, 2)))
}

func TestExcludeReducesWeightButKeepsThreshold(t *testing.T) {
	access, err := party.NewAccessStructure(map[party.ID]uint64{1: 1, 2: 1, 3: 1, 4: 1}, 3)
	require.NoError(t, err)

	reduced := access.Exclude(party.NewSet(4))
	assert.Equal(t, uint64(3), reduced.TotalWeight())
	assert.Equal(t, uint64(3), reduced.Threshold)
	assert.Equal(t, uint64(0), reduced.WeightOf(4))
}

func TestNewAccessStructureRejectsThresholdAboveTotal(t *testing.T) {
	_, err := party.NewAccessStructure(map[party.ID]uint64{1: 1}, 2)
	assert.Error(t, err)
}

func TestNewAccessStructureRejectsZeroPartyID(t *testing.T) {
	_, err := party.NewAccessStructure(map[party.ID]uint64{0: 1, 1: 1}, 1)
	assert.Error(t, err)
}

func TestBitmapSetsBitPerParty(t *testing.T) {
	s := party.NewSet(1, 3, 9)
	bm := s.Bitmap()
	require.Len(t, bm, 2)
	assert.Equal(t, byte(0b0000_0101), bm[0])
	assert.Equal(t, byte(0b0000_0001), bm[1])

	assert.Nil(t, party.NewSet().Bitmap())
}

func TestRandomSubsetWithTargetWeightIsDeterministic(t *testing.T) {
	access, err := party.NewAccessStructure(map[party.ID]uint64{1: 1, 2: 1, 3: 1, 4: 1, 5: 1}, 3)
	require.NoError(t, err)

	var seed [32]byte
	seed[0] = 0x42

	s1 := access.RandomSubsetWithTargetWeight(3, seed)
	s2 := access.RandomSubsetWithTargetWeight(3, seed)
	assert.Equal(t, s1.Sorted(), s2.Sorted())
	assert.True(t, access.WeightOfSet(s1) >= 3)
}

func TestRandomSubsetVariesWithSeed(t *testing.T) {
	access, err := party.NewAccessStructure(map[party.ID]uint64{1: 1, 2: 1, 3: 1, 4: 1, 5: 1, 6: 1, 7: 1, 8: 1}, 3)
	require.NoError(t, err)

	var seedA, seedB [32]byte
	seedA[0] = 1
	seedB[0] = 2

	sA := access.RandomSubsetWithTargetWeight(4, seedA)
	sB := access.RandomSubsetWithTargetWeight(4, seedB)
	assert.NotEqual(t, sA.Sorted(), sB.Sorted())
}
