package agentapi

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenElevo/ElevoSandbox/internal/errdefs"
	"github.com/OpenElevo/ElevoSandbox/internal/logger"
)

func TestMatcherResolveDeliversResponse(t *testing.T) {
	m := NewMatcher(logger.Nop())

	waiter := m.Arm("sb-1", "corr-1")
	go m.Resolve("corr-1", &CommandResponse{
		CorrelationID: "corr-1",
		Success:       &CommandSuccess{ExitCode: 0, Stdout: "hi\n"},
	})

	resp, err := waiter.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, resp.Success)
	assert.Equal(t, "hi\n", resp.Success.Stdout)
	assert.Equal(t, 0, m.PendingCount())
}

func TestMatcherWaitTimesOut(t *testing.T) {
	m := NewMatcher(logger.Nop())

	waiter := m.Arm("sb-1", "corr-1")

	start := time.Now()
	_, err := waiter.Wait(context.Background(), 20*time.Millisecond)
	assert.True(t, errdefs.Is(err, errdefs.KindProcessTimeout))
	assert.Less(t, time.Since(start), time.Second, "timeout must fire near the budget")
	assert.Equal(t, 0, m.PendingCount(), "deadline expiry must remove the slot")

	// A late reply hits an unknown id and is dropped silently.
	m.Resolve("corr-1", &CommandResponse{CorrelationID: "corr-1"})
}

func TestMatcherCancelAllForFailsPending(t *testing.T) {
	m := NewMatcher(logger.Nop())

	w1 := m.Arm("sb-1", "corr-1")
	w2 := m.Arm("sb-1", "corr-2")
	other := m.Arm("sb-2", "corr-3")

	var wg sync.WaitGroup
	wg.Add(2)
	for _, w := range []*Waiter{w1, w2} {
		go func(w *Waiter) {
			defer wg.Done()
			_, err := w.Wait(context.Background(), time.Second)
			assert.True(t, errdefs.Is(err, errdefs.KindAgentCommunicationError))
		}(w)
	}

	m.CancelAllFor("sb-1")
	wg.Wait()

	// The other sandbox's slot is untouched.
	assert.Equal(t, 1, m.PendingCount())
	m.Resolve("corr-3", &CommandResponse{CorrelationID: "corr-3", Success: &CommandSuccess{}})
	_, err := other.Wait(context.Background(), time.Second)
	assert.NoError(t, err)
}

func TestMatcherCancelRemovesSlot(t *testing.T) {
	m := NewMatcher(logger.Nop())

	m.Arm("sb-1", "corr-1")
	m.Cancel("corr-1")
	assert.Equal(t, 0, m.PendingCount())
}
