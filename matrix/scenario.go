package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/provide-io/tofusoup-go/kv"
	"github.com/provide-io/tofusoup-go/soup"
)

// A Scenario exercises the probe service over an established channel. The
// operations inside one scenario run strictly in order; scenarios in
// different cells are unordered with respect to each other.
//
// Scenarios within one cell share the server's store, so each works under
// its own key prefix.
type Scenario struct {
	Name        string
	Description string
	Run         func(ctx context.Context, store kv.Store) error
}

var scenarios = []Scenario{
	{
		Name:        "basic",
		Description: "put/get round-trip, then delete and observe the miss",
		Run:         runBasic,
	},
	{
		Name:        "multi-key",
		Description: "independent keys stay independent and all list",
		Run:         runMultiKey,
	},
	{
		Name:        "overwrite",
		Description: "the last write to a key wins",
		Run:         runOverwrite,
	},
	{
		Name:        "edge-payloads",
		Description: "empty, binary, large, and structured values survive",
		Run:         runEdgePayloads,
	},
}

// ScenarioNames lists the built-in scenarios in canonical run order.
func ScenarioNames() []string {
	names := make([]string, len(scenarios))
	for i := range scenarios {
		names[i] = scenarios[i].Name
	}
	return names
}

// ResolveScenarios maps plan entries to scenarios, preserving order. An
// empty list selects every built-in scenario.
func ResolveScenarios(names []string) ([]Scenario, error) {
	if len(names) == 0 {
		return append([]Scenario(nil), scenarios...), nil
	}
	out := make([]Scenario, 0, len(names))
	for _, name := range names {
		found := false
		for i := range scenarios {
			if scenarios[i].Name == name {
				out = append(out, scenarios[i])
				found = true
				break
			}
		}
		if !found {
			return nil, soup.Newf(soup.KindConfiguration, "unknown scenario %q (have %s)",
				name, strings.Join(ScenarioNames(), ", "))
		}
	}
	return out, nil
}

func runBasic(ctx context.Context, store kv.Store) error {
	const key = "basic.greeting"
	want := []byte("hello from the probe client")

	if err := store.Put(ctx, key, want); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	got, err := store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	if !bytes.Equal(got, want) {
		return fmt.Errorf("get %s: value changed in flight (%d bytes back, %d stored)", key, len(got), len(want))
	}
	if err := store.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	if _, err := store.Get(ctx, key); !errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("get after delete of %s: want not-found, got %v", key, err)
	}
	return nil
}

func runMultiKey(ctx context.Context, store kv.Store) error {
	entries := map[string][]byte{
		"multi.alpha": []byte("first"),
		"multi.beta":  []byte("second"),
		"multi.gamma": []byte("third"),
	}
	for key, value := range entries {
		if err := store.Put(ctx, key, value); err != nil {
			return fmt.Errorf("put %s: %w", key, err)
		}
	}
	for key, want := range entries {
		got, err := store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("get %s: %w", key, err)
		}
		if !bytes.Equal(got, want) {
			return fmt.Errorf("get %s: got %q, want %q", key, got, want)
		}
	}
	listed, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	seen := make(map[string]bool, len(listed))
	for _, key := range listed {
		seen[key] = true
	}
	for key := range entries {
		if !seen[key] {
			return fmt.Errorf("list omits %s", key)
		}
	}
	return nil
}

func runOverwrite(ctx context.Context, store kv.Store) error {
	const key = "overwrite.counter"
	first := []byte("the first write, long enough to notice truncation")
	second := []byte("the second write")

	if err := store.Put(ctx, key, first); err != nil {
		return fmt.Errorf("first put: %w", err)
	}
	if err := store.Put(ctx, key, second); err != nil {
		return fmt.Errorf("second put: %w", err)
	}
	got, err := store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	if !bytes.Equal(got, second) {
		return fmt.Errorf("get %s: got %q, want the second write", key, got)
	}
	return nil
}

func runEdgePayloads(ctx context.Context, store kv.Store) error {
	binary := make([]byte, 256)
	for i := range binary {
		binary[i] = byte(i)
	}
	large := bytes.Repeat([]byte("0123456789abcdef"), 4096)

	// Opaque payloads must come back byte-identical regardless of the
	// server's enrichment setting.
	opaque := []struct {
		key   string
		value []byte
	}{
		{"edge.empty", []byte{}},
		{"edge.binary", binary},
		{"edge.large", large},
	}
	for _, c := range opaque {
		if err := store.Put(ctx, c.key, c.value); err != nil {
			return fmt.Errorf("put %s: %w", c.key, err)
		}
		got, err := store.Get(ctx, c.key)
		if err != nil {
			return fmt.Errorf("get %s: %w", c.key, err)
		}
		if !bytes.Equal(got, c.value) {
			return fmt.Errorf("get %s: %d bytes back, want %d byte-identical", c.key, len(got), len(c.value))
		}
	}

	// A structured payload may gain server metadata, so the check is
	// that every original field survives with its value intact.
	const key = "edge.structured"
	if err := store.Put(ctx, key, []byte(`{"message":"conformance probe","count":3}`)); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	got, err := store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	var fields map[string]any
	if err := json.Unmarshal(got, &fields); err != nil {
		return fmt.Errorf("get %s: stored object no longer parses: %w", key, err)
	}
	if fields["message"] != "conformance probe" {
		return fmt.Errorf("get %s: field message = %v, want original value", key, fields["message"])
	}
	if fields["count"] != float64(3) {
		return fmt.Errorf("get %s: field count = %v, want original value", key, fields["count"])
	}
	return nil
}
