package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/BaSui01/swarmlink/types"
)

func TestRouter_ExactMatch(t *testing.T) {
	r := NewRouter(RouterConfig{}, zap.NewNop())
	r.AddRule(types.EventHandoffInitiated, Rule{
		Pattern: "handoff.initiated",
		Target:  "monitor",
	})

	out := r.Route(types.NewEvent(types.EventHandoffInitiated, "test", nil))
	assert.Equal(t, "monitor", out.Target)

	out = r.Route(types.NewEvent(types.EventHandoffCompleted, "test", nil))
	assert.Empty(t, out.Target)
}

func TestRouter_WildcardPattern(t *testing.T) {
	r := NewRouter(RouterConfig{WildcardRouting: true}, zap.NewNop())
	r.AddDefaultRule(Rule{
		Pattern: "context.*",
		Target:  "context-observer",
	})

	out := r.Route(types.NewEvent(types.EventContextPreserved, "test", nil))
	assert.Equal(t, "context-observer", out.Target)

	out = r.Route(types.NewEvent(types.EventContextRestorationFailed, "test", nil))
	assert.Equal(t, "context-observer", out.Target)

	out = r.Route(types.NewEvent(types.EventHandoffInitiated, "test", nil))
	assert.Empty(t, out.Target)
}

func TestRouter_WildcardDisabledTreatsPatternAsRegex(t *testing.T) {
	r := NewRouter(RouterConfig{WildcardRouting: false}, zap.NewNop())
	r.AddDefaultRule(Rule{
		Pattern: "context.*",
		Target:  "context-observer",
	})

	// With wildcard routing off the pattern still carries regex
	// metacharacters, so it compiles as a plain regex.
	out := r.Route(types.NewEvent(types.EventContextPreserved, "test", nil))
	assert.Equal(t, "context-observer", out.Target)
}

func TestRouter_RegexPattern(t *testing.T) {
	r := NewRouter(RouterConfig{}, zap.NewNop())
	r.AddDefaultRule(Rule{
		Pattern: `^tool\.execution\.(started|completed)$`,
		Target:  "tool-observer",
	})

	out := r.Route(types.NewEvent(types.EventToolExecutionStarted, "test", nil))
	assert.Equal(t, "tool-observer", out.Target)

	out = r.Route(types.NewEvent(types.EventToolExecutionFailed, "test", nil))
	assert.Empty(t, out.Target)
}

func TestRouter_PriorityOrderDescending(t *testing.T) {
	r := NewRouter(RouterConfig{}, zap.NewNop())
	var order []string
	mark := func(name string) func(types.Event) types.Event {
		return func(e types.Event) types.Event {
			order = append(order, name)
			return e
		}
	}

	r.AddRule(types.EventHandoffInitiated, Rule{Pattern: "handoff.initiated", Priority: 1, Transform: mark("low")})
	r.AddRule(types.EventHandoffInitiated, Rule{Pattern: "handoff.initiated", Priority: 50, Transform: mark("high")})
	r.AddRule(types.EventHandoffInitiated, Rule{Pattern: "handoff.initiated", Priority: 10, Transform: mark("mid")})

	r.Route(types.NewEvent(types.EventHandoffInitiated, "test", nil))
	assert.Equal(t, []string{"high", "mid", "low"}, order)
}

func TestRouter_TiesKeepInsertionOrder(t *testing.T) {
	r := NewRouter(RouterConfig{}, zap.NewNop())
	var order []string
	mark := func(name string) func(types.Event) types.Event {
		return func(e types.Event) types.Event {
			order = append(order, name)
			return e
		}
	}

	r.AddRule(types.EventHandoffFailed, Rule{Pattern: "handoff.failed", Priority: 5, Transform: mark("first")})
	r.AddRule(types.EventHandoffFailed, Rule{Pattern: "handoff.failed", Priority: 5, Transform: mark("second")})
	r.AddRule(types.EventHandoffFailed, Rule{Pattern: "handoff.failed", Priority: 5, Transform: mark("third")})

	r.Route(types.NewEvent(types.EventHandoffFailed, "test", nil))
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestRouter_DefaultRulesRunBeforeTypeRules(t *testing.T) {
	r := NewRouter(RouterConfig{WildcardRouting: true}, zap.NewNop())
	var order []string
	mark := func(name string) func(types.Event) types.Event {
		return func(e types.Event) types.Event {
			order = append(order, name)
			return e
		}
	}

	r.AddRule(types.EventHandoffInitiated, Rule{Pattern: "handoff.initiated", Priority: 999, Transform: mark("typed")})
	r.AddDefaultRule(Rule{Pattern: "*", Priority: 0, Transform: mark("default")})

	r.Route(types.NewEvent(types.EventHandoffInitiated, "test", nil))
	assert.Equal(t, []string{"default", "typed"}, order)
}

func TestRouter_ShortCircuitPriority(t *testing.T) {
	r := NewRouter(RouterConfig{}, zap.NewNop())
	var order []string
	mark := func(name string) func(types.Event) types.Event {
		return func(e types.Event) types.Event {
			order = append(order, name)
			return e
		}
	}

	r.AddRule(types.EventTaskVetoed, Rule{Pattern: "swarm.task.vetoed", Priority: ShortCircuitPriority, Transform: mark("stopper")})
	r.AddRule(types.EventTaskVetoed, Rule{Pattern: "swarm.task.vetoed", Priority: 1, Transform: mark("skipped")})

	r.Route(types.NewEvent(types.EventTaskVetoed, "test", nil))
	assert.Equal(t, []string{"stopper"}, order)
}

func TestRouter_FilterGatesRule(t *testing.T) {
	r := NewRouter(RouterConfig{}, zap.NewNop())
	r.AddRule(types.EventHandoffInitiated, Rule{
		Pattern: "handoff.initiated",
		Target:  "filtered",
		Filter: func(e types.Event) bool {
			return e.Source == "wanted"
		},
	})

	out := r.Route(types.NewEvent(types.EventHandoffInitiated, "other", nil))
	assert.Empty(t, out.Target)

	out = r.Route(types.NewEvent(types.EventHandoffInitiated, "wanted", nil))
	assert.Equal(t, "filtered", out.Target)
}

func TestRouter_TransformRewritesEvent(t *testing.T) {
	r := NewRouter(RouterConfig{}, zap.NewNop())
	r.AddRule(types.EventPerformanceMetric, Rule{
		Pattern: "performance.metric",
		Transform: func(e types.Event) types.Event {
			if e.Metadata == nil {
				e.Metadata = map[string]any{}
			}
			e.Metadata["enriched"] = "true"
			return e
		},
	})

	out := r.Route(types.NewEvent(types.EventPerformanceMetric, "test", nil))
	assert.Equal(t, "true", out.Metadata["enriched"])
}
