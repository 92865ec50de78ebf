// Package query compiles the untyped, nested-key, operator-object search
// criteria accepted by search_entities into a small tagged sum and
// evaluates it against a uniform nested view of an entity pair, so
// both storage backends share one matching engine.
package query

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/amaydixit11/formvault/internal/model"
)

// Match is the operator applied to the value found at a clause's path.
type Match struct {
	Eq       *interface{}
	Cmp      *Comparison
	Regex    *regexp.Regexp
	Contains *string // bare-string clause; interpretation is backend-specific
}

// Comparison is a numeric $gt/$gte/$lt/$lte clause.
type Comparison struct {
	Op    string // "gt", "gte", "lt", "lte"
	Value float64
}

// Clause pairs a dotted path (resolved against both initial and modified,
// recursing into their data subtrees) with the Match to apply.
type Clause struct {
	Path  string
	Match Match
}

// Criteria is a conjunction of clauses: a pair matches only if every
// clause matches on at least one side (initial or modified).
type Criteria []Clause

// Compile turns the untyped criteria map accepted over the wire into a
// Criteria value, compiling regexes once up front.
func Compile(raw map[string]interface{}) (Criteria, error) {
	out := make(Criteria, 0, len(raw))
	for path, v := range raw {
		m, err := compileMatch(v)
		if err != nil {
			return nil, fmt.Errorf("criteria clause %q: %w", path, err)
		}
		out = append(out, Clause{Path: path, Match: m})
	}
	return out, nil
}

func compileMatch(v interface{}) (Match, error) {
	obj, ok := v.(map[string]interface{})
	if !ok {
		// Bare value: string/number/bool equality forms.
		switch val := v.(type) {
		case string:
			s := val
			return Match{Contains: &s}, nil
		case float64:
			return Match{Eq: &v}, nil
		case bool:
			return Match{Eq: &v}, nil
		default:
			return Match{Eq: &v}, nil
		}
	}

	if raw, ok := obj["$eq"]; ok {
		return Match{Eq: &raw}, nil
	}
	if raw, ok := obj["$regex"]; ok {
		pattern, _ := raw.(string)
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return Match{}, fmt.Errorf("invalid $regex: %w", err)
		}
		return Match{Regex: re}, nil
	}
	for _, op := range []string{"$gt", "$gte", "$lt", "$lte"} {
		if raw, ok := obj[op]; ok {
			num, err := toFloat(raw)
			if err != nil {
				return Match{}, fmt.Errorf("invalid %s: %w", op, err)
			}
			return Match{Cmp: &Comparison{Op: strings.TrimPrefix(op, "$"), Value: num}}, nil
		}
	}
	return Match{}, fmt.Errorf("unrecognized operator object: %v", obj)
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
}

// BareStringMode selects how a bare-string clause is interpreted; the
// two storage backends pick different, internally-consistent semantics.
type BareStringMode int

const (
	BareStringSubstring BareStringMode = iota // embedded backend
	BareStringEquality                        // relational backend
)

// MatchesPair reports whether pair satisfies every clause in c, trying
// both the initial and modified side for each clause (a pair matches if
// either side satisfies every clause).
func (c Criteria) MatchesPair(pair model.EntityPair, mode BareStringMode) bool {
	if matchesDoc(c, pair.Initial, mode) {
		return true
	}
	return matchesDoc(c, pair.Modified, mode)
}

func matchesDoc(c Criteria, doc model.EntityDoc, mode BareStringMode) bool {
	view := docView(doc)
	for _, clause := range c {
		val, ok := lookup(view, clause.Path)
		if !ok || !matchValue(clause.Match, val, mode) {
			return false
		}
	}
	return true
}

// docView renders an EntityDoc (plus its opaque data payload) as a single
// nested map so clause paths can address either top-level fields or
// nested data.* keys uniformly.
func docView(doc model.EntityDoc) map[string]interface{} {
	view := map[string]interface{}{
		"id":           doc.ID,
		"guid":         doc.Guid,
		"type":         string(doc.Type),
		"version":      float64(doc.Version),
		"last_updated": doc.LastUpdated,
		"external_id":  doc.ExternalID,
	}
	if len(doc.Data) > 0 {
		var data map[string]interface{}
		if err := json.Unmarshal(doc.Data, &data); err == nil {
			view["data"] = data
		}
	}
	return view
}

// lookup resolves a dotted path against the nested view.
func lookup(view map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = view
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func matchValue(m Match, val interface{}, mode BareStringMode) bool {
	switch {
	case m.Eq != nil:
		return fmt.Sprint(val) == fmt.Sprint(*m.Eq)
	case m.Cmp != nil:
		n, err := toFloat(val)
		if err != nil {
			return false
		}
		switch m.Cmp.Op {
		case "gt":
			return n > m.Cmp.Value
		case "gte":
			return n >= m.Cmp.Value
		case "lt":
			return n < m.Cmp.Value
		case "lte":
			return n <= m.Cmp.Value
		}
		return false
	case m.Regex != nil:
		s, ok := val.(string)
		return ok && m.Regex.MatchString(s)
	case m.Contains != nil:
		switch v := val.(type) {
		case string:
			if mode == BareStringEquality {
				return strings.EqualFold(v, *m.Contains)
			}
			return strings.Contains(strings.ToLower(v), strings.ToLower(*m.Contains))
		case bool:
			b, err := strconv.ParseBool(*m.Contains)
			return err == nil && b == v
		case float64:
			n, err := strconv.ParseFloat(*m.Contains, 64)
			return err == nil && n == v
		default:
			return false
		}
	}
	return false
}
