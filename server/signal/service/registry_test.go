package service

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtc_server/server/signal/domain"
)

func TestRegistryRegisterSupersedesPreviousHandle(t *testing.T) {
	r := NewRegistry()
	log := &listenerLog{}
	r.AddListener(log)

	first := newFakeConn("alice")
	second := newFakeConn("alice")

	assert.Nil(t, r.Register("alice", first))
	superseded := r.Register("alice", second)
	require.NotNil(t, superseded)
	assert.Equal(t, first.ID(), superseded.ID())
	assert.True(t, first.isClosed())
	assert.False(t, second.isClosed())

	current, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, second.ID(), current.ID())
	assert.Equal(t, 1, r.Count())
	assert.Equal(t, []string{"+alice", "+alice"}, log.seen())
}

func TestRegistryRegisterSameConnIsIdempotent(t *testing.T) {
	r := NewRegistry()
	log := &listenerLog{}
	r.AddListener(log)
	c := newFakeConn("alice")

	r.Register("alice", c)
	assert.Nil(t, r.Register("alice", c))
	assert.False(t, c.isClosed())
	assert.Equal(t, []string{"+alice"}, log.seen())
}

func TestRegistryUnregisterConnIgnoresSupersededHandle(t *testing.T) {
	r := NewRegistry()
	log := &listenerLog{}
	r.AddListener(log)

	old := newFakeConn("alice")
	fresh := newFakeConn("alice")
	r.Register("alice", old)
	r.Register("alice", fresh)

	assert.False(t, r.UnregisterConn(old))
	assert.True(t, r.IsOnline("alice"))

	assert.True(t, r.UnregisterConn(fresh))
	assert.False(t, r.IsOnline("alice"))
	assert.Equal(t, []string{"+alice", "+alice", "-alice"}, log.seen())
}

func TestRegistryUnregisterClosesAndNotifies(t *testing.T) {
	r := NewRegistry()
	log := &listenerLog{}
	r.AddListener(log)
	conns := connect(r, "alice")

	r.Unregister("alice")
	r.Unregister("alice")

	assert.True(t, conns["alice"].isClosed())
	_, ok := r.Connection("alice")
	assert.False(t, ok)
	assert.Equal(t, []string{"+alice", "-alice"}, log.seen())
}

func TestRegistryDeliver(t *testing.T) {
	r := NewRegistry()
	conns := connect(r, "alice", "bob")
	conns["bob"].full = true

	ev := domain.NewEvent(domain.EventUserTyping, nil)
	assert.True(t, r.Deliver("alice", ev))
	assert.False(t, r.Deliver("bob", ev))
	assert.False(t, r.Deliver("carol", ev))

	n := r.DeliverMany([]string{"alice", "alice", "bob", "carol"}, ev)
	assert.Equal(t, 1, n)
	assert.Len(t, conns["alice"].ofType(domain.EventUserTyping), 2)
}

func TestRegistryConcurrentRegisterKeepsSingleHandle(t *testing.T) {
	r := NewRegistry()
	const n = 50
	conns := make([]*fakeConn, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		conns[i] = newFakeConn("alice")
		wg.Add(1)
		go func(c *fakeConn) {
			defer wg.Done()
			r.Register("alice", c)
		}(conns[i])
	}
	wg.Wait()

	require.Equal(t, 1, r.Count())
	current, ok := r.Lookup("alice")
	require.True(t, ok)
	open := 0
	for _, c := range conns {
		if !c.isClosed() {
			open++
			assert.Equal(t, current.ID(), c.ID())
		}
	}
	assert.Equal(t, 1, open)
}
