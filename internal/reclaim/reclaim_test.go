package reclaim

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	name string
	data []byte
}

func TestRef_EmptyRevivesNothing(t *testing.T) {
	var r Ref[payload]
	assert.Nil(t, r.Get())
	assert.Nil(t, r.Revive())
	assert.False(t, r.Owned())
}

func TestRef_DemoteThenReviveWhileReachable(t *testing.T) {
	v := &payload{name: "ctx", data: make([]byte, 64)}
	var r Ref[payload]
	r.Own(v)
	require.Same(t, v, r.Get())

	r.Demote()
	assert.False(t, r.Owned())
	assert.Nil(t, r.Get())

	// v is still referenced here, so the collector cannot have reclaimed it.
	runtime.GC()
	assert.Same(t, v, r.Revive())
	assert.True(t, r.Owned())
	runtime.KeepAlive(v)
}

func TestRef_ReclaimedAfterLastReference(t *testing.T) {
	var r Ref[payload]
	r.Own(&payload{name: "ctx", data: make([]byte, 64)})
	r.Demote()

	require.Eventually(t, func() bool {
		runtime.GC()
		return r.Revive() == nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRef_Clear(t *testing.T) {
	v := &payload{name: "ctx"}
	var r Ref[payload]
	r.Own(v)
	r.Clear()
	assert.Nil(t, r.Revive())
	runtime.KeepAlive(v)
}
