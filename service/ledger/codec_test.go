package ledger

import (
	"math"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPositionRoundTrip(t *testing.T) {
	owner, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	tests := []struct {
		name string
		pos  StakePosition
	}{
		{
			name: "fresh position",
			pos: StakePosition{
				Owner:          owner.PublicKey(),
				LastUpdateUnix: 1_700_000_000,
				Bump:           254,
			},
		},
		{
			name: "active position",
			pos: StakePosition{
				Owner:          owner.PublicKey(),
				StakedAmount:   10_000_000_000,
				TotalPoints:    864_000,
				LastUpdateUnix: 1_700_086_400,
				Bump:           255,
			},
		},
		{
			name: "extreme values",
			pos: StakePosition{
				Owner:          owner.PublicKey(),
				StakedAmount:   math.MaxUint64,
				TotalPoints:    math.MaxUint64,
				LastUpdateUnix: math.MaxUint64,
				Bump:           0,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := EncodePosition(&tt.pos)
			require.Len(t, data, PositionAccountLen)

			got, err := DecodePosition(data)
			require.NoError(t, err)
			assert.Equal(t, tt.pos, *got)

			// Re-encoding must be byte-identical.
			assert.Equal(t, data, EncodePosition(got))
		})
	}
}

func TestDecodePosition_Truncated(t *testing.T) {
	owner, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	full := EncodePosition(&StakePosition{Owner: owner.PublicKey(), StakedAmount: 1})

	for _, n := range []int{0, 1, 8, 40, 64} {
		_, err := DecodePosition(full[:n])
		assert.ErrorIs(t, err, ErrTruncated, "length %d", n)
	}
}

func TestDecodePosition_WrongDiscriminator(t *testing.T) {
	owner, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	data := EncodePosition(&StakePosition{Owner: owner.PublicKey()})
	data[0] ^= 0xff

	_, decErr := DecodePosition(data)
	assert.ErrorIs(t, decErr, ErrSchemaMismatch)
}

func TestDecodePosition_GarbageNeverPanics(t *testing.T) {
	for n := 0; n < PositionAccountLen; n++ {
		garbage := make([]byte, n)
		for i := range garbage {
			garbage[i] = byte(i * 7)
		}
		_, err := DecodePosition(garbage)
		assert.Error(t, err, "length %d", n)
	}
}

func TestDecodePosition_TrailingPaddingIgnored(t *testing.T) {
	owner, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	pos := StakePosition{
		Owner:          owner.PublicKey(),
		StakedAmount:   5_000_000_000,
		TotalPoints:    123,
		LastUpdateUnix: 1_700_000_000,
		Bump:           253,
	}
	data := append(EncodePosition(&pos), 0, 0, 0, 0, 0, 0, 0)

	got, decErr := DecodePosition(data)
	require.NoError(t, decErr)
	assert.Equal(t, pos, *got)
}
