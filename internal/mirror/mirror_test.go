package mirror

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mew-protocol/gateway/pkg/types"
)

type fakeSink struct {
	mirrored []string
	failWith error
	closed   bool
}

func (f *fakeSink) Mirror(ctx context.Context, topic string, env *types.Envelope) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.mirrored = append(f.mirrored, topic)
	return nil
}

func (f *fakeSink) Close() error {
	f.closed = true
	return nil
}

func TestFanout_MirrorsToEverySink(t *testing.T) {
	a := &fakeSink{}
	b := &fakeSink{}
	f := NewFanout(a, b)

	env := &types.Envelope{Protocol: types.Protocol, Kind: "chat"}
	require.NoError(t, f.Mirror(context.Background(), "room", env))

	assert.Equal(t, []string{"room"}, a.mirrored)
	assert.Equal(t, []string{"room"}, b.mirrored)
}

func TestFanout_OneSinkFailingDoesNotStopOthers(t *testing.T) {
	failing := &fakeSink{failWith: errors.New("boom")}
	ok := &fakeSink{}
	f := NewFanout(failing, ok)

	err := f.Mirror(context.Background(), "room", &types.Envelope{Protocol: types.Protocol, Kind: "chat"})
	assert.Error(t, err)
	assert.Equal(t, []string{"room"}, ok.mirrored)
}

func TestFanout_NilSinksAreSkipped(t *testing.T) {
	f := NewFanout(nil, &fakeSink{})
	assert.Len(t, f.sinks, 1)
}

func TestFanout_CloseClosesEverySink(t *testing.T) {
	a := &fakeSink{}
	b := &fakeSink{}
	f := NewFanout(a, b)
	require.NoError(t, f.Close())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}
