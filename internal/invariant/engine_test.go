package invariant

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func alwaysPass(ctx context.Context, input map[string]interface{}) (bool, string, error) {
	return true, "", nil
}

func alwaysFail(reason string) Predicate {
	return func(ctx context.Context, input map[string]interface{}) (bool, string, error) {
		return false, reason, nil
	}
}

func TestFreezeDetectsCycle(t *testing.T) {
	e := NewEngine()
	e.Register(Invariant{ID: "a", DependsOn: []string{"b"}, Check: alwaysPass})
	e.Register(Invariant{ID: "b", DependsOn: []string{"a"}, Check: alwaysPass})

	assert.Panics(t, func() { e.Freeze() })
}

func TestFreezeDetectsDanglingDependency(t *testing.T) {
	e := NewEngine()
	e.Register(Invariant{ID: "a", DependsOn: []string{"does-not-exist"}, Check: alwaysPass})

	assert.Panics(t, func() { e.Freeze() })
}

func TestRegisterAfterFreezePanics(t *testing.T) {
	e := NewEngine()
	e.Register(Invariant{ID: "a", Check: alwaysPass})
	e.Freeze()

	assert.Panics(t, func() { e.Register(Invariant{ID: "b", Check: alwaysPass}) })
}

func TestEvaluateRunsInDependencyOrder(t *testing.T) {
	e := NewEngine()
	var order []string
	record := func(id string) Predicate {
		return func(ctx context.Context, input map[string]interface{}) (bool, string, error) {
			order = append(order, id)
			return true, "", nil
		}
	}

	e.Register(Invariant{ID: "credit-reserved", Check: record("credit-reserved")})
	e.Register(Invariant{ID: "fraud-cleared", DependsOn: []string{"credit-reserved"}, Check: record("fraud-cleared")})
	e.Register(Invariant{ID: "rail-healthy", DependsOn: []string{"fraud-cleared"}, Check: record("rail-healthy")})
	e.Freeze()

	results := e.Evaluate(context.Background(), []string{"rail-healthy", "credit-reserved", "fraud-cleared"}, nil)

	assert.Len(t, results, 3)
	assert.Equal(t, []string{"credit-reserved", "fraud-cleared", "rail-healthy"}, order)
	for _, r := range results {
		assert.True(t, r.Passed)
	}
}

func TestEvaluateShortCircuitsOnFirstFailure(t *testing.T) {
	e := NewEngine()
	ran := map[string]bool{}
	track := func(id string, pred Predicate) Predicate {
		return func(ctx context.Context, input map[string]interface{}) (bool, string, error) {
			ran[id] = true
			return pred(ctx, input)
		}
	}

	e.Register(Invariant{ID: "first", Check: track("first", alwaysFail("insufficient credit"))})
	e.Register(Invariant{ID: "second", DependsOn: []string{"first"}, Check: track("second", alwaysPass)})
	e.Freeze()

	results := e.Evaluate(context.Background(), []string{"first", "second"}, nil)

	assert.Len(t, results, 1)
	assert.False(t, results[0].Passed)
	assert.Equal(t, "insufficient credit", results[0].Reason)
	assert.False(t, ran["second"], "a later invariant must not run once an earlier one it depends on has failed")
}

func TestEvaluateBeforeFreezePanics(t *testing.T) {
	e := NewEngine()
	e.Register(Invariant{ID: "a", Check: alwaysPass})

	assert.Panics(t, func() { e.Evaluate(context.Background(), []string{"a"}, nil) })
}

func TestPanickingPredicateBecomesFailure(t *testing.T) {
	e := NewEngine()
	e.Register(Invariant{ID: "flaky", Check: func(ctx context.Context, input map[string]interface{}) (bool, string, error) {
		panic("unexpected nil pointer")
	}})
	e.Freeze()

	results := e.Evaluate(context.Background(), []string{"flaky"}, nil)

	assert.Len(t, results, 1)
	assert.False(t, results[0].Passed)
	assert.Contains(t, results[0].Reason, "panicked")
}
