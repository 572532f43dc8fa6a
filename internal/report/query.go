package report

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/jmespath/go-jmespath"

	"github.com/Nao-Mk2/log-anomaly-inspector/internal/model"
)

// Filter keeps the results for which the JMESPath expression evaluates to a
// truthy value. Each result is evaluated in its NDJSON shape, e.g.
// "severity_score >= `8`" or "contains(contributing_reasons, 'suspicious path')".
// An empty expression keeps everything.
func Filter(results []model.AnomalyResult, expr string) ([]model.AnomalyResult, error) {
	if expr == "" {
		return results, nil
	}
	q, err := jmespath.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid query %q: %w", expr, err)
	}
	kept := make([]model.AnomalyResult, 0, len(results))
	for _, r := range results {
		doc, err := document(r)
		if err != nil {
			return nil, err
		}
		res, err := q.Search(doc)
		if err != nil {
			return nil, fmt.Errorf("jmespath search failed: %w", err)
		}
		if truthy(res) {
			kept = append(kept, r)
		}
	}
	return kept, nil
}

// document converts a result into the generic map form jmespath walks.
func document(r model.AnomalyResult) (any, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal result failed: %w", err)
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// truthy follows JMESPath: false, null, and empty strings, arrays and
// objects are false.
func truthy(v any) bool {
	if v == nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() > 0
	}
	return true
}
