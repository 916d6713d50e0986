package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/BaSui01/agentlink/testutil/mocks"
	"github.com/BaSui01/agentlink/types"
)

// Concurrent connects never push the pool past either limit, and every
// rejection is a capacity error.
func TestProperty_CapacityNeverExceeded(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		maxTotal := rapid.IntRange(1, 8).Draw(rt, "maxTotal")
		maxPerAgent := rapid.IntRange(1, 4).Draw(rt, "maxPerAgent")
		agents := rapid.IntRange(1, 4).Draw(rt, "agents")
		attempts := rapid.IntRange(1, 24).Draw(rt, "attempts")

		r := New(Config{MaxConnections: maxTotal, MaxConnectionsPerAgent: maxPerAgent}, nil, nil)
		fake := mocks.NewFakeAdapter(types.ProtocolTCP).WithConnectDelay(time.Millisecond)

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			accepted int
		)
		for i := 0; i < attempts; i++ {
			agentID := string(rune('a' + i%agents))
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := r.Connect(context.Background(), agentID, tcpConfig(), fake)
				if err != nil {
					assert.Equal(rt, types.ErrorTypeCapacity, types.TypeOf(err))
					return
				}
				mu.Lock()
				accepted++
				mu.Unlock()
			}()
		}
		wg.Wait()

		if r.Count() > maxTotal {
			rt.Fatalf("pool holds %d connections, limit %d", r.Count(), maxTotal)
		}
		for i := 0; i < agents; i++ {
			agentID := string(rune('a' + i))
			if n := r.CountForAgent(agentID); n > maxPerAgent {
				rt.Fatalf("agent %s holds %d connections, limit %d", agentID, n, maxPerAgent)
			}
		}
		if accepted != r.Count() {
			rt.Fatalf("accepted %d but registry holds %d", accepted, r.Count())
		}
		if fake.ConnectCalls() != accepted {
			rt.Fatalf("adapter invoked %d times for %d accepted connects", fake.ConnectCalls(), accepted)
		}
	})
}
