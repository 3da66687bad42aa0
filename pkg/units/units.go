// Package units materialises the unit enumeration for a run: loading the
// item source, expanding it through the configured strategy, applying the
// repeat count and max_units cap, and partitioning the result into chunks.
package units

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/chunkflow/chunkflow/pkg/config"
	"github.com/chunkflow/chunkflow/pkg/jsonl"
)

// IDField is the stable unit identifier key.
const IDField = "unit_id"

// Reserved private fields carried on repeated units. Underscore-prefixed
// keys are stripped from validated output.
const (
	RepetitionIDField   = "_repetition_id"
	RepetitionSeedField = "_repetition_seed"
)

// Source is the parsed item source file: either a flat list of items or a
// mapping of named lists.
type Source struct {
	Items []map[string]any
	Lists map[string][]any
}

// LoadSource reads an items YAML file. A sequence document parses as a
// flat item list; a mapping document parses as named lists.
func LoadSource(path string) (*Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read items: %w", err)
	}
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse items %s: %w", path, err)
	}
	if len(root.Content) == 0 {
		return &Source{}, nil
	}
	doc := root.Content[0]
	switch doc.Kind {
	case yaml.SequenceNode:
		var items []map[string]any
		if err := doc.Decode(&items); err != nil {
			// A sequence of scalars becomes single-field items.
			var scalars []any
			if err2 := doc.Decode(&scalars); err2 != nil {
				return nil, fmt.Errorf("parse items %s: %w", path, err)
			}
			items = make([]map[string]any, len(scalars))
			for i, v := range scalars {
				items[i] = map[string]any{"item": v}
			}
		}
		return &Source{Items: items}, nil
	case yaml.MappingNode:
		var lists map[string][]any
		if err := doc.Decode(&lists); err != nil {
			return nil, fmt.Errorf("parse items %s: %w", path, err)
		}
		return &Source{Lists: lists}, nil
	default:
		return nil, fmt.Errorf("items file %s must be a sequence or mapping", path)
	}
}

// Generate produces the full unit enumeration for a config. Units carry
// stable ids assigned in generation order; the enumeration is
// deterministic for a given config and item source.
func Generate(cfg *config.Config) ([]jsonl.Record, error) {
	source, err := LoadSource(cfg.ItemsPath())
	if err != nil {
		return nil, err
	}

	p := &cfg.Processing
	var base []map[string]any
	switch p.EffectiveStrategy() {
	case "direct":
		base, err = direct(source, p)
	case "permutation":
		base, err = permutation(source, p)
	case "cross_product":
		base, err = crossProduct(source, p)
	default:
		err = fmt.Errorf("unknown strategy %q", p.Strategy)
	}
	if err != nil {
		return nil, err
	}

	units := applyRepeat(base, p)

	if p.MaxUnits != nil && len(units) > *p.MaxUnits {
		units = units[:*p.MaxUnits]
	}

	out := make([]jsonl.Record, len(units))
	for i, unit := range units {
		unit[IDField] = fmt.Sprintf("unit_%06d", i)
		out[i] = unit
	}
	return out, nil
}

// direct passes items through unchanged.
func direct(source *Source, p *config.Processing) ([]map[string]any, error) {
	items, err := resolveItems(source, p)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, len(items))
	for i, item := range items {
		out[i] = cloneRecord(item)
	}
	return out, nil
}

// permutation assigns k-permutations of the item list to the named
// positions: every ordered selection of len(positions) distinct items.
func permutation(source *Source, p *config.Processing) ([]map[string]any, error) {
	items, err := resolveItems(source, p)
	if err != nil {
		return nil, err
	}
	k := len(p.Positions)
	if k == 0 {
		return nil, fmt.Errorf("permutation strategy requires positions")
	}
	if k > len(items) {
		return nil, fmt.Errorf("permutation strategy needs at least %d items, have %d", k, len(items))
	}

	var out []map[string]any
	used := make([]bool, len(items))
	selection := make([]int, 0, k)

	var walk func()
	walk = func() {
		if len(selection) == k {
			unit := make(map[string]any, k)
			for slot, idx := range selection {
				bindPosition(unit, p.Positions[slot].Name, items[idx])
			}
			out = append(out, unit)
			return
		}
		for i := range items {
			if used[i] {
				continue
			}
			used[i] = true
			selection = append(selection, i)
			walk()
			selection = selection[:len(selection)-1]
			used[i] = false
		}
	}
	walk()
	return out, nil
}

// crossProduct draws each position from its source_key list and emits the
// cartesian product.
func crossProduct(source *Source, p *config.Processing) ([]map[string]any, error) {
	if source.Lists == nil {
		return nil, fmt.Errorf("cross_product strategy requires a mapping items file")
	}
	lists := make([][]any, len(p.Positions))
	for i, pos := range p.Positions {
		list, ok := source.Lists[pos.SourceKey]
		if !ok {
			return nil, fmt.Errorf("position %q references unknown source_key %q", pos.Name, pos.SourceKey)
		}
		if len(list) == 0 {
			return nil, fmt.Errorf("source_key %q is empty", pos.SourceKey)
		}
		lists[i] = list
	}

	var out []map[string]any
	indices := make([]int, len(lists))
	for {
		unit := make(map[string]any, len(lists))
		for i, pos := range p.Positions {
			bindPosition(unit, pos.Name, lists[i][indices[i]])
		}
		out = append(out, unit)

		// Odometer increment, rightmost position fastest.
		slot := len(indices) - 1
		for slot >= 0 {
			indices[slot]++
			if indices[slot] < len(lists[slot]) {
				break
			}
			indices[slot] = 0
			slot--
		}
		if slot < 0 {
			break
		}
	}
	return out, nil
}

// resolveItems returns the flat item list, honouring an items.key
// selection into a mapping source.
func resolveItems(source *Source, p *config.Processing) ([]map[string]any, error) {
	if p.Items.Key != "" {
		if source.Lists == nil {
			return nil, fmt.Errorf("items.key %q requires a mapping items file", p.Items.Key)
		}
		list, ok := source.Lists[p.Items.Key]
		if !ok {
			return nil, fmt.Errorf("items.key %q not found in items file", p.Items.Key)
		}
		return itemsFromList(list), nil
	}
	if source.Items != nil {
		return source.Items, nil
	}
	return nil, fmt.Errorf("items file has no flat item list; set items.key to choose one")
}

func itemsFromList(list []any) []map[string]any {
	items := make([]map[string]any, len(list))
	for i, v := range list {
		if m, ok := v.(map[string]any); ok {
			items[i] = m
			continue
		}
		items[i] = map[string]any{"item": v}
	}
	return items
}

// bindPosition binds one position's value into a unit. Scalar items bind
// directly under the position name; map items bind their fields prefixed
// with the position name.
func bindPosition(unit map[string]any, name string, value any) {
	if fields, ok := value.(map[string]any); ok {
		for key, v := range fields {
			unit[name+"_"+key] = v
		}
		return
	}
	unit[name] = value
}

// applyRepeat duplicates the enumeration repeat times, stamping each copy
// with its repetition id and a per-repetition seed derived from the run
// seed.
func applyRepeat(base []map[string]any, p *config.Processing) []map[string]any {
	repeat := p.Repeat
	if repeat <= 1 {
		out := make([]map[string]any, len(base))
		for i, unit := range base {
			unit[RepetitionIDField] = 1
			unit[RepetitionSeedField] = p.Seed
			out[i] = unit
		}
		return out
	}
	out := make([]map[string]any, 0, len(base)*repeat)
	for rep := 1; rep <= repeat; rep++ {
		for _, unit := range base {
			clone := cloneRecord(unit)
			clone[RepetitionIDField] = rep
			clone[RepetitionSeedField] = p.Seed + int64(rep-1)
			out = append(out, clone)
		}
	}
	return out
}

func cloneRecord(record map[string]any) map[string]any {
	clone := make(map[string]any, len(record))
	for key, value := range record {
		clone[key] = value
	}
	return clone
}

// Partition slices units into chunks of chunkSize, named chunk_000,
// chunk_001, … in order.
func Partition(units []jsonl.Record, chunkSize int) map[string][]jsonl.Record {
	chunks := make(map[string][]jsonl.Record)
	if chunkSize <= 0 {
		chunkSize = len(units)
	}
	for i := 0; i < len(units); i += chunkSize {
		end := i + chunkSize
		if end > len(units) {
			end = len(units)
		}
		name := fmt.Sprintf("chunk_%03d", len(chunks))
		chunks[name] = units[i:end]
	}
	return chunks
}
