package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrCircularDependency is returned when the dependency graph has a cycle.
// No agent executes when resolution fails.
var ErrCircularDependency = errors.New("agent: circular dependency detected")

// Chain executes a static set of agents in dependency order.
//
// The order is resolved with Kahn's algorithm; whenever several agents are
// ready at once, the one with the numerically lowest priority value wins.
type Chain struct {
	logger *slog.Logger

	mu     sync.Mutex
	agents map[string]Agent
}

// NewChain creates an empty chain.
func NewChain(logger *slog.Logger) *Chain {
	return &Chain{
		logger: logger,
		agents: make(map[string]Agent),
	}
}

// Register adds an agent to the chain. Names must be unique.
func (c *Chain) Register(a Agent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.agents[a.Name()]; ok {
		return fmt.Errorf("agent: %q already registered", a.Name())
	}
	c.agents[a.Name()] = a
	c.logger.Debug("chain: registered agent", "agent", a.Name())
	return nil
}

// ResolveOrder computes the execution order for the registered agents.
// A dependency on an unregistered name is logged and ignored.
func (c *Chain) ResolveOrder() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolveOrderLocked()
}

func (c *Chain) resolveOrderLocked() ([]string, error) {
	inDegree := make(map[string]int, len(c.agents))
	graph := make(map[string][]string, len(c.agents))
	for name := range c.agents {
		inDegree[name] = 0
	}

	// Edges run from a dependency to its dependents.
	for name, a := range c.agents {
		for _, dep := range a.Dependencies() {
			if _, ok := c.agents[dep]; !ok {
				c.logger.Warn("chain: dependency on unknown agent ignored",
					"agent", name, "dependency", dep)
				continue
			}
			graph[dep] = append(graph[dep], name)
			inDegree[name]++
		}
	}

	var ready []string
	for name, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}

	order := make([]string, 0, len(c.agents))
	for len(ready) > 0 {
		// Lowest priority value first; name as a stable secondary key.
		sort.Slice(ready, func(i, j int) bool {
			pi, pj := c.agents[ready[i]].Priority(), c.agents[ready[j]].Priority()
			if pi != pj {
				return pi < pj
			}
			return ready[i] < ready[j]
		})
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		for _, dependent := range graph[next] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(order) != len(c.agents) {
		return nil, ErrCircularDependency
	}
	return order, nil
}

// Execute runs agents in dependency order. If name is non-empty, exactly
// that one agent runs (its dependents are not pulled in). Disabled agents
// are skipped. Every run updates the agent's state and metrics, even when
// Run panics — the panic is recovered and converted to a failed result.
func (c *Chain) Execute(ctx context.Context, name string) ([]Result, error) {
	c.mu.Lock()
	order, err := c.resolveOrderLocked()
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if name != "" {
		if _, ok := c.agents[name]; !ok {
			c.mu.Unlock()
			return nil, fmt.Errorf("agent: %q not found", name)
		}
		order = []string{name}
	}
	agents := make([]Agent, 0, len(order))
	for _, n := range order {
		agents = append(agents, c.agents[n])
	}
	c.mu.Unlock()

	var results []Result
	for _, a := range agents {
		if !a.Enabled() {
			c.logger.Debug("chain: skipping disabled agent", "agent", a.Name())
			continue
		}

		c.logger.Info("chain: executing agent", "agent", a.Name())
		res := runAgent(ctx, a)
		results = append(results, res)
		if res.Success {
			c.logger.Info("chain: agent completed", "agent", a.Name(), "message", res.Message)
		} else {
			c.logger.Warn("chain: agent failed", "agent", a.Name(), "error", res.Error)
		}
	}
	return results, nil
}

// Agents returns the registered agents keyed by name.
func (c *Chain) Agents() map[string]Agent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Agent, len(c.agents))
	for name, a := range c.agents {
		out[name] = a
	}
	return out
}

// runAgent executes one agent with the boundary guard and folds the result
// into the agent's state and metrics. Dependents observe the updated
// metrics before they start.
func runAgent(ctx context.Context, a Agent) Result {
	b := a.base()
	b.setState(StateRunning)
	start := time.Now().UTC()
	res := safeRun(ctx, a)
	b.recordRun(res, start, time.Now().UTC())
	return res
}

// safeRun invokes Run and converts an escaping panic into a failed Result.
func safeRun(ctx context.Context, a Agent) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{
				Success:   false,
				Message:   fmt.Sprintf("agent %s panicked", a.Name()),
				Error:     fmt.Sprint(r),
				Timestamp: time.Now().UTC(),
			}
		}
	}()
	return a.Run(ctx)
}
