package approval

import (
	"sync"
	"testing"

	"github.com/Bokuhoggie/PhantomEx/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buyDecision(t *testing.T) types.Decision {
	t.Helper()
	d, err := types.NewDecision(types.ActionBuy, "BTC", 0.1, "looks strong")
	require.NoError(t, err)
	return d
}

func TestProposeHoldsAtMostOnePerAgent(t *testing.T) {
	g := NewGate()

	pd, ok := g.Propose("a1", buyDecision(t))
	require.True(t, ok)
	assert.Equal(t, "a1", pd.AgentID)
	assert.Equal(t, types.ActionBuy, pd.Action)

	// A second cycle while one is outstanding is skipped, not queued
	_, ok = g.Propose("a1", buyDecision(t))
	assert.False(t, ok)

	// Other agents are unaffected
	_, ok = g.Propose("a2", buyDecision(t))
	assert.True(t, ok)
}

func TestApproveClearsAndReturnsDecision(t *testing.T) {
	g := NewGate()
	g.Propose("a1", buyDecision(t))

	d, ok := g.Approve("a1")
	require.True(t, ok)
	assert.Equal(t, types.ActionBuy, d.Action)
	assert.Equal(t, "BTC", d.Symbol)
	assert.Nil(t, g.Pending("a1"))

	// Approving an already-resolved decision is a no-op
	_, ok = g.Approve("a1")
	assert.False(t, ok)

	// Gate is back at NONE: a fresh proposal is accepted
	_, ok = g.Propose("a1", buyDecision(t))
	assert.True(t, ok)
}

func TestRejectDiscardsWithoutEffect(t *testing.T) {
	g := NewGate()
	g.Propose("a1", buyDecision(t))

	assert.True(t, g.Reject("a1"))
	assert.Nil(t, g.Pending("a1"))
	assert.False(t, g.Reject("a1"))
	assert.False(t, g.Reject("never-proposed"))
}

func TestConcurrentApprovalResolvesExactlyOnce(t *testing.T) {
	g := NewGate()
	g.Propose("a1", buyDecision(t))

	var wg sync.WaitGroup
	approvals := make(chan types.Decision, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d, ok := g.Approve("a1"); ok {
				approvals <- d
			}
		}()
	}
	wg.Wait()
	close(approvals)

	count := 0
	for range approvals {
		count++
	}
	assert.Equal(t, 1, count)
}

func TestClearDropsPending(t *testing.T) {
	g := NewGate()
	g.Propose("a1", buyDecision(t))
	g.Clear("a1")
	assert.Nil(t, g.Pending("a1"))
	_, ok := g.Approve("a1")
	assert.False(t, ok)
}
