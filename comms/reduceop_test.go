package comms

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReduceOpTypeEnum(t *testing.T) {
	require.Equal(t, "Sum", ReduceOpSum.String())
	require.Equal(t, "Undefined", ReduceOpUndefined.String())
	require.Equal(t, "ReduceOpType(99)", ReduceOpType(99).String())

	v, err := ReduceOpTypeString("Max")
	require.NoError(t, err)
	require.Equal(t, ReduceOpMax, v)
	v, err = ReduceOpTypeString("min")
	require.NoError(t, err)
	require.Equal(t, ReduceOpMin, v)
	_, err = ReduceOpTypeString("Mean")
	require.Error(t, err)

	require.True(t, ReduceOpProduct.IsAReduceOpType())
	require.False(t, ReduceOpType(-1).IsAReduceOpType())
	require.Len(t, ReduceOpTypeValues(), 5)
}
