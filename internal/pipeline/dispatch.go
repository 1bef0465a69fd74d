package pipeline

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/serialx/hashring"

	"firestige.xyz/recorder/internal/core"
)

// DispatchStrategy determines which worker owns a connection. Every
// strategy must map one connection to one worker for its whole lifetime.
type DispatchStrategy interface {
	// Dispatch returns the worker index (0-based) for conn.
	// numWorkers is guaranteed to be > 0.
	Dispatch(conn core.ConnectionID, numWorkers int) int

	// Name returns the strategy name for logging/metrics.
	Name() string
}

// FlowHashStrategy distributes connections by FNV-1a over their identity.
type FlowHashStrategy struct{}

func (s *FlowHashStrategy) Dispatch(conn core.ConnectionID, numWorkers int) int {
	return int(conn.Hash() % uint32(numWorkers))
}

func (s *FlowHashStrategy) Name() string { return "flow-hash" }

// IndexStrategy distributes connections by capture index. Sources that
// number connections densely get an even spread.
type IndexStrategy struct{}

func (s *IndexStrategy) Dispatch(conn core.ConnectionID, numWorkers int) int {
	return int(conn.Index % uint64(numWorkers))
}

func (s *IndexStrategy) Name() string { return "index" }

// ConsistentHashStrategy places connections on a hash ring of workers.
// Resizing the pool moves only the connections of added or removed workers.
type ConsistentHashStrategy struct {
	mu   sync.Mutex
	ring *hashring.HashRing
	size int
}

func (s *ConsistentHashStrategy) Dispatch(conn core.ConnectionID, numWorkers int) int {
	s.mu.Lock()
	if s.ring == nil || s.size != numWorkers {
		nodes := make([]string, numWorkers)
		for i := range nodes {
			nodes[i] = "worker-" + strconv.Itoa(i)
		}
		s.ring, s.size = hashring.New(nodes), numWorkers
	}
	ring := s.ring
	s.mu.Unlock()

	node, ok := ring.GetNode(conn.String())
	if !ok {
		return 0
	}
	i, err := strconv.Atoi(strings.TrimPrefix(node, "worker-"))
	if err != nil || i >= numWorkers {
		return 0
	}
	return i
}

func (s *ConsistentHashStrategy) Name() string { return "consistent-hash" }

// NewDispatchStrategy creates a dispatch strategy by name.
// Supported strategies: "flow-hash" (default), "index", "consistent-hash".
func NewDispatchStrategy(name string) (DispatchStrategy, error) {
	switch name {
	case "", "flow-hash":
		return &FlowHashStrategy{}, nil
	case "index":
		return &IndexStrategy{}, nil
	case "consistent-hash":
		return &ConsistentHashStrategy{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown dispatch strategy %q", core.ErrConfiguration, name)
	}
}
