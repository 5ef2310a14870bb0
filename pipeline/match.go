package pipeline

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"

	"github.com/kiliton/mongo/oplog"
	"github.com/kiliton/mongo/telemetry"
)

// condition is one compiled field predicate of a $match stage.
type condition interface {
	matches(value interface{}, present bool) bool
}

type fieldCondition struct {
	path string
	cond condition
}

// matchEvaluator is the compiled form of a pipeline whose stages are all
// $match. All conditions on all stages must hold for a record to pass.
type matchEvaluator struct {
	fields []fieldCondition
}

// Apply shapes each raw event into a change record and keeps the ones that
// pass every compiled condition. An invalidating event marks the outcome
// terminal whether or not the pipeline lets its record through.
func (m *matchEvaluator) Apply(events []oplog.Event) (Outcome, error) {
	start := time.Now()
	var out Outcome

	for _, event := range events {
		doc := FromEvent(event)
		if m.accepts(&doc) {
			out.Docs = append(out.Docs, doc)
		}
		if event.Op.Invalidates() {
			out.Invalidate = true
		}
	}

	telemetry.PipelineEvalSeconds.Observe(time.Since(start).Seconds())
	return out, nil
}

func (m *matchEvaluator) accepts(doc *ChangeDoc) bool {
	for _, field := range m.fields {
		value, present := doc.valueAt(field.path)
		if !field.cond.matches(value, present) {
			return false
		}
	}
	return true
}

// valueAt resolves a dotted path against the client-visible record shape.
// The second result distinguishes a missing field from a present nil.
func (d *ChangeDoc) valueAt(path string) (interface{}, bool) {
	segments := strings.Split(path, ".")
	switch segments[0] {
	case "operationType":
		if len(segments) == 1 {
			return string(d.OperationType), true
		}
	case "ns":
		if len(segments) == 2 && segments[1] == "coll" {
			return d.Ns.Collection, true
		}
	case "documentKey":
		return descend(d.DocumentKey, segments[1:])
	case "fullDocument":
		return descend(d.FullDocument, segments[1:])
	}
	return nil, false
}

func descend(doc map[string]interface{}, segments []string) (interface{}, bool) {
	if doc == nil {
		return nil, false
	}
	if len(segments) == 0 {
		return doc, true
	}
	value, ok := doc[segments[0]]
	if !ok {
		return nil, false
	}
	if len(segments) == 1 {
		return value, true
	}
	nested, ok := value.(map[string]interface{})
	if !ok {
		return nil, false
	}
	return descend(nested, segments[1:])
}

// eqCondition compares with numeric widening so int64 payload values match
// the float64 operands JSON request bodies decode to.
type eqCondition struct {
	want interface{}
}

func (c eqCondition) matches(value interface{}, present bool) bool {
	return present && looseEqual(value, c.want)
}

type neCondition struct {
	want interface{}
}

// matches follows $ne semantics: a missing field is not equal to anything.
func (c neCondition) matches(value interface{}, present bool) bool {
	return !present || !looseEqual(value, c.want)
}

type inCondition struct {
	wants []interface{}
}

func (c inCondition) matches(value interface{}, present bool) bool {
	if !present {
		return false
	}
	for _, want := range c.wants {
		if looseEqual(value, want) {
			return true
		}
	}
	return false
}

type existsCondition struct {
	want bool
}

func (c existsCondition) matches(_ interface{}, present bool) bool {
	return present == c.want
}

type globCondition struct {
	pattern glob.Glob
}

func (c globCondition) matches(value interface{}, present bool) bool {
	if !present {
		return false
	}
	s, ok := value.(string)
	return ok && c.pattern.Match(s)
}

// looseEqual treats all numeric types as one domain and falls back to deep
// equality for everything else.
func looseEqual(a, b interface{}) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af == bf
	}
	if aok != bok {
		return false
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// compileMatch turns one $match stage body into compiled field conditions.
func compileMatch(stage map[string]interface{}) ([]fieldCondition, error) {
	fields := make([]fieldCondition, 0, len(stage))
	for path, operand := range stage {
		cond, err := compileCondition(path, operand)
		if err != nil {
			return nil, err
		}
		fields = append(fields, fieldCondition{path: path, cond: cond})
	}
	return fields, nil
}

func compileCondition(path string, operand interface{}) (condition, error) {
	ops, ok := operand.(map[string]interface{})
	if !ok {
		// A bare operand is shorthand for equality.
		return eqCondition{want: operand}, nil
	}

	// An operand document either holds operators exclusively or is a plain
	// equality match on a subdocument.
	if !hasOperatorKeys(ops) {
		return eqCondition{want: operand}, nil
	}

	conds := make([]condition, 0, len(ops))
	for op, arg := range ops {
		switch op {
		case "$eq":
			conds = append(conds, eqCondition{want: arg})
		case "$ne":
			conds = append(conds, neCondition{want: arg})
		case "$in":
			wants, ok := arg.([]interface{})
			if !ok {
				return nil, fmt.Errorf("$in operand for %s must be an array, got %T", path, arg)
			}
			conds = append(conds, inCondition{wants: wants})
		case "$exists":
			want, ok := arg.(bool)
			if !ok {
				return nil, fmt.Errorf("$exists operand for %s must be a boolean, got %T", path, arg)
			}
			conds = append(conds, existsCondition{want: want})
		case "$glob":
			pattern, ok := arg.(string)
			if !ok {
				return nil, fmt.Errorf("$glob operand for %s must be a string, got %T", path, arg)
			}
			compiled, err := glob.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("invalid $glob pattern for %s: %w", path, err)
			}
			conds = append(conds, globCondition{pattern: compiled})
		default:
			log.Debug().Str("operator", op).Str("path", path).Msg("rejecting unsupported match operator")
			return nil, fmt.Errorf("unsupported match operator %s for %s", op, path)
		}
	}

	if len(conds) == 1 {
		return conds[0], nil
	}
	return allConditions(conds), nil
}

type allConditions []condition

func (c allConditions) matches(value interface{}, present bool) bool {
	for _, cond := range c {
		if !cond.matches(value, present) {
			return false
		}
	}
	return true
}

func hasOperatorKeys(ops map[string]interface{}) bool {
	for key := range ops {
		if strings.HasPrefix(key, "$") {
			return true
		}
	}
	return false
}
