package neo4jstore

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// identPattern is the only shape a label, property key, or relationship
// type may take. CES attribute keys come from the upstream pipeline's
// schema, so they are validated rather than trusted.
var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// CypherBuilder assembles parameterized Cypher for records whose property
// set is open-ended. Identifiers are validated against identPattern and
// every value travels as a query parameter; property keys are emitted in
// sorted order so the same logical write always produces the same query
// text and hits the server's plan cache.
type CypherBuilder struct {
	params map[string]any
}

// NewCypherBuilder creates an empty builder. One builder backs one query;
// parameters are not reusable across queries.
func NewCypherBuilder() *CypherBuilder {
	return &CypherBuilder{params: make(map[string]any)}
}

// AddParam registers a value and returns its placeholder.
func (b *CypherBuilder) AddParam(value any) string {
	name := fmt.Sprintf("p%d", len(b.params))
	b.params[name] = value
	return "$" + name
}

// Params returns the parameter map to pass alongside the built query.
func (b *CypherBuilder) Params() map[string]any {
	return b.params
}

// BuildMergeNode produces a MERGE on (label {uniqueKey: value}) followed by
// SET clauses for every property, including properties not known at compile
// time.
func (b *CypherBuilder) BuildMergeNode(label, uniqueKey string, uniqueValue any, properties map[string]any) (string, error) {
	if err := validIdent("node label", label); err != nil {
		return "", err
	}
	if err := validIdent("unique key", uniqueKey); err != nil {
		return "", err
	}

	var q strings.Builder
	fmt.Fprintf(&q, "MERGE (n:%s {%s: %s})", label, uniqueKey, b.AddParam(uniqueValue))

	keys := make([]string, 0, len(properties))
	for key := range properties {
		if err := validIdent("property key", key); err != nil {
			return "", err
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for i, key := range keys {
		if i == 0 {
			q.WriteString(" SET ")
		} else {
			q.WriteString(", ")
		}
		fmt.Fprintf(&q, "n.%s = %s", key, b.AddParam(properties[key]))
	}
	q.WriteString(" RETURN id(n) as id")
	return q.String(), nil
}

// BuildMergeEdge produces a MERGE of a relationship between two nodes
// matched by their unique keys, with optional edge properties.
func (b *CypherBuilder) BuildMergeEdge(
	fromLabel, fromKey string, fromValue any,
	toLabel, toKey string, toValue any,
	edgeLabel string,
	properties map[string]any,
) (string, error) {
	for name, ident := range map[string]string{
		"from label": fromLabel,
		"from key":   fromKey,
		"to label":   toLabel,
		"to key":     toKey,
		"edge label": edgeLabel,
	} {
		if err := validIdent(name, ident); err != nil {
			return "", err
		}
	}

	var q strings.Builder
	fmt.Fprintf(&q, "MATCH (from:%s {%s: %s})", fromLabel, fromKey, b.AddParam(fromValue))
	fmt.Fprintf(&q, " MATCH (to:%s {%s: %s})", toLabel, toKey, b.AddParam(toValue))
	fmt.Fprintf(&q, " MERGE (from)-[r:%s]->(to)", edgeLabel)

	keys := make([]string, 0, len(properties))
	for key := range properties {
		if err := validIdent("edge property key", key); err != nil {
			return "", err
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for i, key := range keys {
		if i == 0 {
			q.WriteString(" SET ")
		} else {
			q.WriteString(", ")
		}
		fmt.Fprintf(&q, "r.%s = %s", key, b.AddParam(properties[key]))
	}
	q.WriteString(" RETURN from, to")
	return q.String(), nil
}

func validIdent(what, s string) error {
	if !identPattern.MatchString(s) {
		return fmt.Errorf("invalid %s: %q (must be alphanumeric + underscore)", what, s)
	}
	return nil
}
