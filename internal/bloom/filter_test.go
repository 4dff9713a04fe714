package bloom

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNoFalseNegatives(t *testing.T) {
	keys := make([][]byte, 0, 1000)
	for i := 0; i < 1000; i++ {
		keys = append(keys, []byte(fmt.Sprintf("key-%04d", i)))
	}
	f := NewFromKeys(keys, 0.01)
	for _, k := range keys {
		require.True(t, f.MayContain(k), "inserted key reported absent: %s", k)
	}
}

func TestFalsePositiveRateIsReasonable(t *testing.T) {
	keys := make([][]byte, 0, 2000)
	for i := 0; i < 2000; i++ {
		keys = append(keys, []byte(fmt.Sprintf("present-%05d", i)))
	}
	f := NewFromKeys(keys, 0.01)

	falsePositives := 0
	const trials = 5000
	for i := 0; i < trials; i++ {
		absent := []byte(fmt.Sprintf("absent-%05d", i))
		if f.MayContain(absent) {
			falsePositives++
		}
	}
	// Generous upper bound: a well-formed 1% filter should not be
	// wildly over the target rate.
	require.Less(t, float64(falsePositives)/trials, 0.08)
}

func TestEncodeDecodeHeaderRoundTrip(t *testing.T) {
	f := NewFromKeys([][]byte{[]byte("a"), []byte("b")}, 0.01)
	header := EncodeHeader(f)
	require.Len(t, header, 8)

	decoded := Decode(f.Bytes(), f.NumHashes())
	require.True(t, decoded.MayContain([]byte("a")))
	require.True(t, decoded.MayContain([]byte("b")))
}
