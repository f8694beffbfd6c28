// Package arr provides HTTP clients for the Arr family of services
// (Radarr, Sonarr, Prowlarr): listing indexers, testing them, and pushing
// configuration updates back.
package arr

import (
	"encoding/json"
	"fmt"
)

// Indexer is one indexer record as returned by an Arr service.
//
// The services return many more fields than we model (field definitions,
// capabilities, tags). Those are preserved verbatim in an internal raw map
// so that an update round-trips the full record instead of truncating it.
type Indexer struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Enable   bool   `json:"enable"`
	Protocol string `json:"protocol"`

	raw map[string]json.RawMessage
}

// UnmarshalJSON decodes the known fields and keeps everything else raw.
func (ix *Indexer) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("arr: decode indexer: %w", err)
	}

	type known struct {
		ID       int    `json:"id"`
		Name     string `json:"name"`
		Enable   bool   `json:"enable"`
		Protocol string `json:"protocol"`
	}
	var k known
	if err := json.Unmarshal(data, &k); err != nil {
		return fmt.Errorf("arr: decode indexer fields: %w", err)
	}

	ix.ID = k.ID
	ix.Name = k.Name
	ix.Enable = k.Enable
	ix.Protocol = k.Protocol
	ix.raw = fields
	return nil
}

// MarshalJSON re-emits the full record: preserved raw fields overlaid with
// the current values of the known fields.
func (ix Indexer) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(ix.raw)+4)
	for k, v := range ix.raw {
		out[k] = v
	}

	overlay := map[string]any{
		"id":       ix.ID,
		"name":     ix.Name,
		"enable":   ix.Enable,
		"protocol": ix.Protocol,
	}
	for k, v := range overlay {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("arr: encode indexer field %s: %w", k, err)
		}
		out[k] = b
	}
	return json.Marshal(out)
}

// Clone returns a deep copy. Mutating the copy (e.g. flipping Enable for a
// disable call) leaves the original record untouched.
func (ix Indexer) Clone() Indexer {
	cp := ix
	if ix.raw != nil {
		cp.raw = make(map[string]json.RawMessage, len(ix.raw))
		for k, v := range ix.raw {
			cp.raw[k] = v
		}
	}
	return cp
}

// DisplayName returns the indexer name, falling back to the ID when the
// service returned an unnamed record.
func (ix Indexer) DisplayName() string {
	if ix.Name != "" {
		return ix.Name
	}
	return fmt.Sprintf("unknown (id=%d)", ix.ID)
}
