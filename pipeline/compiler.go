package pipeline

import (
	"bytes"
	"fmt"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/kiliton/mongo/telemetry"
)

// Stage is one raw pipeline stage as decoded from a request body, a single
// operator key mapping to the stage document.
type Stage map[string]interface{}

// Compiler turns raw pipeline stages into evaluators, memoizing compiled
// pipelines by content hash. Identical pipelines across cursors share one
// evaluator, which is safe because evaluators carry no per-cursor state.
type Compiler struct {
	cache *lru.Cache[uint64, Evaluator]
}

// NewCompiler creates a compiler with an LRU of up to cacheSize compiled
// pipelines.
func NewCompiler(cacheSize int) (*Compiler, error) {
	cache, err := lru.New[uint64, Evaluator](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("unable to create pipeline cache: %w", err)
	}
	return &Compiler{cache: cache}, nil
}

// Compile validates and compiles a pipeline. An empty pipeline compiles to
// a pass-through evaluator that surfaces every event.
func (c *Compiler) Compile(stages []Stage) (Evaluator, error) {
	key, err := hashStages(stages)
	if err != nil {
		telemetry.PipelineCompileTotal.With("error").Inc()
		return nil, err
	}

	if eval, ok := c.cache.Get(key); ok {
		telemetry.PipelineCompileTotal.With("hit").Inc()
		return eval, nil
	}

	eval, err := compile(stages)
	if err != nil {
		telemetry.PipelineCompileTotal.With("error").Inc()
		return nil, err
	}

	telemetry.PipelineCompileTotal.With("miss").Inc()
	c.cache.Add(key, eval)
	log.Debug().Uint64("pipeline_hash", key).Int("stages", len(stages)).Msg("compiled pipeline")
	return eval, nil
}

func compile(stages []Stage) (Evaluator, error) {
	eval := &matchEvaluator{}
	for i, stage := range stages {
		if len(stage) != 1 {
			return nil, &EvaluationError{
				Stage: fmt.Sprintf("%d", i),
				Err:   fmt.Errorf("stage must have exactly one operator, got %d", len(stage)),
			}
		}
		for op, body := range stage {
			if op != "$match" {
				return nil, &EvaluationError{Stage: op, Err: errUnsupportedStage}
			}
			doc, ok := body.(map[string]interface{})
			if !ok {
				return nil, &EvaluationError{
					Stage: op,
					Err:   fmt.Errorf("stage body must be a document, got %T", body),
				}
			}
			fields, err := compileMatch(doc)
			if err != nil {
				return nil, &EvaluationError{Stage: op, Err: err}
			}
			eval.fields = append(eval.fields, fields...)
		}
	}
	return eval, nil
}

// hashStages derives the cache key from a canonical serialization of the
// pipeline. Map keys are sorted so equal pipelines always hash equal.
func hashStages(stages []Stage) (uint64, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(stages); err != nil {
		return 0, fmt.Errorf("unable to serialize pipeline: %w", err)
	}
	return xxhash.Sum64(buf.Bytes()), nil
}
