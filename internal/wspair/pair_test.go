package wspair_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudflare/miniflare-sub008/internal/wspair"
)

// TestBufferingBeforeAccept implements section 8's literal "WebSocket
// buffering" scenario: frames sent before the peer accepts are
// delivered, in order, once the peer accepts.
func TestBufferingBeforeAccept(t *testing.T) {
	a, b := wspair.NewPair()

	var aGot, bGot []string
	a.OnMessage(func(f wspair.Frame) { aGot = append(aGot, f.Text) })
	b.OnMessage(func(f wspair.Frame) { bGot = append(bGot, f.Text) })

	a.Accept()
	require.NoError(t, a.Send("hi"))
	require.NoError(t, b.Send("yo"))
	b.Accept()

	require.Equal(t, []string{"yo"}, aGot)
	require.Equal(t, []string{"hi"}, bGot)
}

func TestReadyStateTransitions(t *testing.T) {
	a, b := wspair.NewPair()
	require.Equal(t, wspair.Open, a.ReadyState())
	require.Equal(t, wspair.Open, b.ReadyState())

	a.Accept()
	b.Accept()
	require.NoError(t, a.Close(1000, "done"))
	require.Equal(t, wspair.Closing, a.ReadyState())
	require.Equal(t, wspair.Closed, b.ReadyState())
}

func TestCloseCodeValidation(t *testing.T) {
	a, b := wspair.NewPair()
	a.Accept()
	b.Accept()

	require.ErrorIs(t, a.Close(0, "no code"), wspair.ErrTypeError)
	require.Error(t, a.Close(1005, ""))
	require.NoError(t, a.Close(3000, "ok"))
	require.ErrorIs(t, a.Close(1000, ""), wspair.ErrTypeError) // double close
}

func TestOrderedDeliveryOfMultipleFrames(t *testing.T) {
	a, b := wspair.NewPair()
	var got []string
	b.OnMessage(func(f wspair.Frame) { got = append(got, f.Text) })

	require.NoError(t, a.Send("one"))
	require.NoError(t, a.Send("two"))
	require.NoError(t, a.Send("three"))
	b.Accept()

	require.Equal(t, []string{"one", "two", "three"}, got)
}
