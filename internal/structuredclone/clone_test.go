package structuredclone_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cloudflare/miniflare-sub008/internal/structuredclone"
)

func TestRoundTripPrimitives(t *testing.T) {
	for _, v := range []interface{}{nil, true, false, 42.5, "hello"} {
		enc, err := structuredclone.Encode(v)
		require.NoError(t, err)
		got, err := structuredclone.Decode(enc)
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
}

func TestRoundTripArrayBuffer(t *testing.T) {
	enc, err := structuredclone.Encode([]byte("raw bytes"))
	require.NoError(t, err)
	got, err := structuredclone.Decode(enc)
	require.NoError(t, err)
	require.Equal(t, []byte("raw bytes"), got)
}

func TestRoundTripDate(t *testing.T) {
	now := time.UnixMilli(1700000000000).UTC()
	enc, err := structuredclone.Encode(now)
	require.NoError(t, err)
	got, err := structuredclone.Decode(enc)
	require.NoError(t, err)
	require.Equal(t, now, got)
}

func TestRoundTripArrayMapSet(t *testing.T) {
	arr := &structuredclone.Array{Items: []interface{}{"a", 1.0, true}}
	enc, err := structuredclone.Encode(arr)
	require.NoError(t, err)
	got, err := structuredclone.Decode(enc)
	require.NoError(t, err)
	require.Equal(t, arr, got)

	m := &structuredclone.MapValue{Entries: [][2]interface{}{{"k", "v"}, {1.0, 2.0}}}
	enc, err = structuredclone.Encode(m)
	require.NoError(t, err)
	got, err = structuredclone.Decode(enc)
	require.NoError(t, err)
	require.Equal(t, m, got)

	s := &structuredclone.SetValue{Items: []interface{}{"x", "y"}}
	enc, err = structuredclone.Encode(s)
	require.NoError(t, err)
	got, err = structuredclone.Decode(enc)
	require.NoError(t, err)
	require.Equal(t, s, got)
}

func TestRoundTripRegExp(t *testing.T) {
	re := &structuredclone.RegExp{Source: "a+b*", Flags: "gi"}
	enc, err := structuredclone.Encode(re)
	require.NoError(t, err)
	got, err := structuredclone.Decode(enc)
	require.NoError(t, err)
	require.Equal(t, re, got)
}

func TestRoundTripErrorWithCause(t *testing.T) {
	cause := &structuredclone.ErrorValue{Name: "Error", Message: "root cause", Stack: "at root"}
	err := &structuredclone.ErrorValue{Name: "Error", Message: "wrapped", Stack: "at wrapped", Cause: cause}
	enc, encErr := structuredclone.Encode(err)
	require.NoError(t, encErr)
	got, decErr := structuredclone.Decode(enc)
	require.NoError(t, decErr)
	require.Equal(t, err, got)
}

// TestCyclicArraySurvivesRoundTrip exercises section 9's requirement
// that cyclic graphs are preserved via back-references.
func TestCyclicArraySurvivesRoundTrip(t *testing.T) {
	arr := &structuredclone.Array{Items: make([]interface{}, 1)}
	arr.Items[0] = arr // self-reference

	enc, err := structuredclone.Encode(arr)
	require.NoError(t, err)

	got, err := structuredclone.Decode(enc)
	require.NoError(t, err)

	gotArr, ok := got.(*structuredclone.Array)
	require.True(t, ok)
	require.Same(t, gotArr, gotArr.Items[0])
}

func TestSharedReferenceDeduplicated(t *testing.T) {
	shared := &structuredclone.Object{Fields: map[string]interface{}{"n": 1.0}}
	container := &structuredclone.Array{Items: []interface{}{shared, shared}}

	enc, err := structuredclone.Encode(container)
	require.NoError(t, err)
	got, err := structuredclone.Decode(enc)
	require.NoError(t, err)

	gotArr := got.(*structuredclone.Array)
	require.Same(t, gotArr.Items[0], gotArr.Items[1])
}

func TestHostileTypeRejected(t *testing.T) {
	_, err := structuredclone.Encode(func() {})
	require.Error(t, err)
}
