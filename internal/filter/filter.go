// Package filter implements the enumerated filter AST spec.md's Design
// Notes describe for ANS104_UNBUNDLE_FILTER/ANS104_INDEX_FILTER: always,
// never, not, and, or, match_tag, match_hash_partition,
// match_root_tx_id_in, is_nested_bundle, evaluated against a normalized
// data item. There is no expression-language library anywhere in the
// retrieval pack, so this is a small hand-rolled recursive-descent
// structure over encoding/json, in the same spirit as the teacher's
// hand-rolled ANS-104 binary parsers: the domain has no generic parser
// to reach for, so the teacher's answer is always "write the specific
// parser," and so is this package's.
package filter

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/ar-io/gateway-node/arid"
)

// Item is the subset of a normalized data item a filter can inspect.
type Item struct {
	ID          arid.ID
	RootTxID    arid.ID
	Tags        map[string]string
	ContentType string
	HashPartition float64 // 0.0-1.0, derived from a stable hash of ID
}

// Filter evaluates to true or false against an Item.
type Filter interface {
	Match(Item) bool
}

type alwaysFilter struct{}

func (alwaysFilter) Match(Item) bool { return true }

type neverFilter struct{}

func (neverFilter) Match(Item) bool { return false }

type notFilter struct{ inner Filter }

func (f notFilter) Match(it Item) bool { return !f.inner.Match(it) }

type andFilter struct{ clauses []Filter }

func (f andFilter) Match(it Item) bool {
	for _, c := range f.clauses {
		if !c.Match(it) {
			return false
		}
	}
	return true
}

type orFilter struct{ clauses []Filter }

func (f orFilter) Match(it Item) bool {
	for _, c := range f.clauses {
		if c.Match(it) {
			return true
		}
	}
	return false
}

type matchTagFilter struct {
	name  string
	value *regexp.Regexp
}

func (f matchTagFilter) Match(it Item) bool {
	v, ok := it.Tags[f.name]
	if !ok {
		return false
	}
	return f.value.MatchString(v)
}

type matchHashPartitionFilter struct{ start, end float64 }

func (f matchHashPartitionFilter) Match(it Item) bool {
	return it.HashPartition >= f.start && it.HashPartition < f.end
}

type matchRootTxIDInFilter struct{ set map[arid.ID]struct{} }

func (f matchRootTxIDInFilter) Match(it Item) bool {
	_, ok := f.set[it.RootTxID]
	return ok
}

// bundleContentTypes are the ANS-104 content-type tag values that mark a
// data item as itself being a nested bundle, per spec.md §4.5's
// "isNestedBundle matches any item whose content-type tags classify it
// as a bundle."
var bundleContentTypes = map[string]struct{}{
	"application/ans104": {},
}

type isNestedBundleFilter struct{}

func (isNestedBundleFilter) Match(it Item) bool {
	_, ok := bundleContentTypes[it.ContentType]
	return ok
}

// HashPartitionOf derives a stable pseudo-random value in [0, 1) from an
// id's leading bytes, for match_hash_partition sharding across a fleet of
// gateways each configured to index a disjoint slice of the id space.
func HashPartitionOf(id arid.ID) float64 {
	v := binary.BigEndian.Uint64(id[:8])
	return float64(v) / float64(^uint64(0))
}

// astNode mirrors the JSON shape of one filter AST node. Exactly one
// field should be set; Parse rejects nodes with zero or multiple set
// fields to catch malformed configuration early rather than silently
// picking one.
type astNode struct {
	Always *bool     `json:"always,omitempty"`
	Never  *bool     `json:"never,omitempty"`
	Not    *astNode  `json:"not,omitempty"`
	And    []astNode `json:"and,omitempty"`
	Or     []astNode `json:"or,omitempty"`

	MatchTag *struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"match_tag,omitempty"`

	MatchHashPartition *struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"match_hash_partition,omitempty"`

	MatchRootTxIDIn []string `json:"match_root_tx_id_in,omitempty"`

	IsNestedBundle *bool `json:"is_nested_bundle,omitempty"`
}

// Parse parses a filter configuration string (as set via
// ANS104_UNBUNDLE_FILTER/ANS104_INDEX_FILTER) into an evaluable Filter.
func Parse(s string) (Filter, error) {
	var node astNode
	if err := json.Unmarshal([]byte(s), &node); err != nil {
		return nil, fmt.Errorf("filter: parse: %w", err)
	}
	return build(node)
}

func build(n astNode) (Filter, error) {
	set := 0
	var f Filter
	var err error

	if n.Always != nil {
		set++
		f = alwaysFilter{}
	}
	if n.Never != nil {
		set++
		f = neverFilter{}
	}
	if n.Not != nil {
		set++
		var inner Filter
		inner, err = build(*n.Not)
		if err == nil {
			f = notFilter{inner: inner}
		}
	}
	if n.And != nil {
		set++
		var clauses []Filter
		clauses, err = buildAll(n.And)
		if err == nil {
			f = andFilter{clauses: clauses}
		}
	}
	if n.Or != nil {
		set++
		var clauses []Filter
		clauses, err = buildAll(n.Or)
		if err == nil {
			f = orFilter{clauses: clauses}
		}
	}
	if n.MatchTag != nil {
		set++
		var re *regexp.Regexp
		re, err = regexp.Compile(n.MatchTag.Value)
		if err == nil {
			f = matchTagFilter{name: n.MatchTag.Name, value: re}
		}
	}
	if n.MatchHashPartition != nil {
		set++
		f = matchHashPartitionFilter{start: n.MatchHashPartition.Start, end: n.MatchHashPartition.End}
	}
	if n.MatchRootTxIDIn != nil {
		set++
		ids := make(map[arid.ID]struct{}, len(n.MatchRootTxIDIn))
		for _, s := range n.MatchRootTxIDIn {
			var id arid.ID
			id, err = arid.Parse(s)
			if err != nil {
				break
			}
			ids[id] = struct{}{}
		}
		if err == nil {
			f = matchRootTxIDInFilter{set: ids}
		}
	}
	if n.IsNestedBundle != nil {
		set++
		f = isNestedBundleFilter{}
	}

	if err != nil {
		return nil, err
	}
	if set != 1 {
		return nil, fmt.Errorf("filter: node must set exactly one operator, got %d", set)
	}
	return f, nil
}

func buildAll(nodes []astNode) ([]Filter, error) {
	out := make([]Filter, 0, len(nodes))
	for i, n := range nodes {
		f, err := build(n)
		if err != nil {
			return nil, fmt.Errorf("clause %d: %w", i, err)
		}
		out = append(out, f)
	}
	return out, nil
}
