package observer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
)

var testKey = []byte("observer-test-signing-key")

func testLog(t *testing.T) (*Log, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return NewLog(store, testKey), store
}

func draft(agentID, eventType string, risk contracts.RiskLevel) Draft {
	return Draft{
		Source:    "test",
		EventType: eventType,
		RiskLevel: risk,
		AgentID:   agentID,
	}
}

func TestAppendStartsAtGenesis(t *testing.T) {
	log, _ := testLog(t)

	event, err := log.Append(context.Background(), draft("a1", contracts.EventAgentAction, contracts.RiskInfo))
	require.NoError(t, err)

	assert.Equal(t, int64(1), event.Sequence)
	assert.Equal(t, contracts.GenesisHash, event.PreviousHash)
	assert.NotEmpty(t, event.Hash)
	assert.NotEmpty(t, event.Signature)
}

func TestChainContinuity(t *testing.T) {
	log, _ := testLog(t)
	ctx := context.Background()

	var prev *contracts.ObserverEvent
	for i := 0; i < 10; i++ {
		event, err := log.Append(ctx, draft("a1", contracts.EventAgentAction, contracts.RiskInfo))
		require.NoError(t, err)
		if prev != nil {
			assert.Equal(t, prev.Hash, event.PreviousHash)
			assert.Equal(t, prev.Sequence+1, event.Sequence)
		}
		prev = event
	}
	require.NoError(t, log.VerifyChain(ctx, 1, 10))
}

func TestVerifyDetectsMutation(t *testing.T) {
	log, store := testLog(t)
	ctx := context.Background()

	_, err := log.Append(ctx, draft("a1", contracts.EventAgentAction, contracts.RiskInfo))
	require.NoError(t, err)

	events, err := store.Range(ctx, 1, 1)
	require.NoError(t, err)
	event := events[0]
	require.True(t, log.Verify(&event))

	event.AgentID = "a2"
	assert.False(t, log.Verify(&event))

	// Forged signature with a correct hash also fails.
	events[0].Signature = "deadbeef"
	assert.False(t, log.Verify(&events[0]))
}

func TestConcurrentAppendsKeepStrictOrder(t *testing.T) {
	log, _ := testLog(t)
	ctx := context.Background()

	const writers = 8
	const perWriter = 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := log.Append(ctx, draft("a1", contracts.EventAgentAction, contracts.RiskInfo))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	require.NoError(t, log.VerifyChain(ctx, 1, writers*perWriter))
	events, err := log.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, events, writers*perWriter)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}

func TestQueryFiltersAndCursor(t *testing.T) {
	log, _ := testLog(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := log.Append(ctx, draft("a1", contracts.EventAgentAction, contracts.RiskInfo))
		require.NoError(t, err)
		_, err = log.Append(ctx, draft("a2", contracts.EventTierChange, contracts.RiskLow))
		require.NoError(t, err)
	}

	byAgent, err := log.Query(ctx, Filter{AgentID: "a2"})
	require.NoError(t, err)
	assert.Len(t, byAgent, 5)

	byType, err := log.Query(ctx, Filter{EventType: contracts.EventAgentAction})
	require.NoError(t, err)
	assert.Len(t, byType, 5)

	// Forward pagination by cursor, two pages of three.
	page1, err := log.Query(ctx, Filter{Limit: 3})
	require.NoError(t, err)
	require.Len(t, page1, 3)
	page2, err := log.Query(ctx, Filter{AfterSequence: page1[2].Sequence, Limit: 3})
	require.NoError(t, err)
	require.Len(t, page2, 3)
	assert.Equal(t, page1[2].Sequence+1, page2[0].Sequence)

	back, err := log.Query(ctx, Filter{Direction: Backward, AfterSequence: 4, Limit: 2})
	require.NoError(t, err)
	require.Len(t, back, 2)
	assert.Equal(t, int64(3), back[0].Sequence)
	assert.Equal(t, int64(2), back[1].Sequence)
}

func TestSnapshotContinuityQuarantine(t *testing.T) {
	log, _ := testLog(t)
	ctx := context.Background()

	first, err := log.Append(ctx, draft("a1", contracts.EventAgentAction, contracts.RiskInfo))
	require.NoError(t, err)
	_, err = log.Append(ctx, draft("a1", contracts.EventAgentAction, contracts.RiskInfo))
	require.NoError(t, err)

	// Matching snapshot hash: fine.
	require.NoError(t, log.CheckSnapshotContinuity(ctx, 1, first.Hash))
	assert.False(t, log.Quarantined())

	// Mismatched snapshot hash: quarantine and refuse writes.
	err = log.CheckSnapshotContinuity(ctx, 1, "not-the-hash")
	require.ErrorIs(t, err, ErrQuarantined)
	assert.True(t, log.Quarantined())

	_, err = log.Append(ctx, draft("a1", contracts.EventAgentAction, contracts.RiskInfo))
	require.ErrorIs(t, err, ErrQuarantined)
}

func TestAppendTimestampsTruncatedToMillis(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 123_456_789, time.UTC)
	store := NewMemoryStore()
	log := NewLog(store, testKey, WithClock(func() time.Time { return fixed }))

	event, err := log.Append(context.Background(), draft("a1", contracts.EventAgentAction, contracts.RiskInfo))
	require.NoError(t, err)
	assert.Equal(t, fixed.Truncate(time.Millisecond), event.Timestamp)
}
