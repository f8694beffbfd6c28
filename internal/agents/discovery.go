package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/arrwarden/arrwarden/internal/agent"
	"github.com/arrwarden/arrwarden/internal/arr"
)

// DiscoveryAgentName is the registered name of the discovery agent.
const DiscoveryAgentName = "indexer_discovery"

// maxDiscoveryBodyBytes bounds how much of a discovery source response is read.
const maxDiscoveryBodyBytes = 1 << 20

// DiscoveryAgent fetches candidate indexer definitions from configured
// source URLs. A source may return a JSON array (of objects or URL strings),
// a JSON object whose values contain such arrays, or newline-separated URL
// text with # comments.
//
// Discovered candidates are only pushed to Prowlarr when addToProwlarr is
// set; the default is observe-and-log.
type DiscoveryAgent struct {
	*agent.Base

	sources       []string
	prowlarr      *arr.Prowlarr
	addToProwlarr bool
	httpClient    *http.Client
	logger        *slog.Logger
}

// NewDiscoveryAgent creates the discovery agent. prowlarr may be nil, in
// which case addToProwlarr is ignored.
func NewDiscoveryAgent(sources []string, prowlarr *arr.Prowlarr, addToProwlarr bool, logger *slog.Logger) *DiscoveryAgent {
	return &DiscoveryAgent{
		Base:          agent.NewBase(DiscoveryAgentName, agent.PriorityLow),
		sources:       sources,
		prowlarr:      prowlarr,
		addToProwlarr: addToProwlarr,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		logger:        logger,
	}
}

// Run processes every configured source. A failing source is logged and the
// rest are still processed.
func (a *DiscoveryAgent) Run(ctx context.Context) agent.Result {
	if len(a.sources) == 0 {
		a.logger.Info("no discovery sources configured, skipping")
		return agent.Result{
			Success:   true,
			Message:   "no discovery sources configured",
			Timestamp: time.Now().UTC(),
		}
	}

	a.logger.Info("running indexer discovery", "sources", len(a.sources))

	var discovered, added, sourceErrors int
	for _, src := range a.sources {
		candidates, err := a.processSource(ctx, src)
		if err != nil {
			a.logger.Error("error processing discovery source", "source", src, "error", err)
			sourceErrors++
			continue
		}
		a.logger.Info("discovered candidate indexers", "source", src, "count", len(candidates))
		discovered += len(candidates)

		if a.addToProwlarr && a.prowlarr != nil {
			added += a.addCandidates(ctx, candidates)
		}
	}

	msg := fmt.Sprintf("discovery: %d candidates from %d sources, %d added, %d source errors",
		discovered, len(a.sources), added, sourceErrors)
	res := agent.Result{
		Success:   sourceErrors == 0,
		Message:   msg,
		Timestamp: time.Now().UTC(),
		Metrics: map[string]any{
			"discovered":    discovered,
			"added":         added,
			"source_errors": sourceErrors,
		},
	}
	if sourceErrors > 0 {
		res.Error = fmt.Sprintf("%d discovery sources failed", sourceErrors)
	}
	return res
}

func (a *DiscoveryAgent) processSource(ctx context.Context, url string) ([]map[string]any, error) {
	a.logger.Debug("fetching discovery source", "url", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("agents: build discovery request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agents: fetch discovery source: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("agents: discovery source returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDiscoveryBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("agents: read discovery source: %w", err)
	}

	return parseCandidates(body), nil
}

// parseCandidates extracts indexer candidates from a source payload.
// JSON is tried first; anything unparseable falls back to a newline list.
func parseCandidates(body []byte) []map[string]any {
	var candidates []map[string]any

	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err == nil {
		for _, item := range items {
			if c := candidateFromJSON(item); c != nil {
				candidates = append(candidates, c)
			}
		}
		return candidates
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err == nil {
		for _, v := range obj {
			var nested []json.RawMessage
			if err := json.Unmarshal(v, &nested); err != nil {
				continue
			}
			for _, item := range nested {
				if c := candidateFromJSON(item); c != nil {
					candidates = append(candidates, c)
				}
			}
		}
		return candidates
	}

	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		candidates = append(candidates, map[string]any{"baseUrl": line})
	}
	return candidates
}

func candidateFromJSON(raw json.RawMessage) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return map[string]any{"baseUrl": s}
	}
	return nil
}

func (a *DiscoveryAgent) addCandidates(ctx context.Context, candidates []map[string]any) int {
	added := 0
	for _, c := range candidates {
		label := c["baseUrl"]
		if label == nil {
			label = c["name"]
		}
		if err := a.prowlarr.AddIndexer(ctx, c); err != nil {
			a.logger.Error("failed to add discovered indexer", "candidate", label, "error", err)
			continue
		}
		a.logger.Info("added discovered indexer to prowlarr", "candidate", label)
		added++
	}
	return added
}
