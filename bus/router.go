package bus

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/swarmlink/types"
)

// ShortCircuitPriority stops rule evaluation for an event once a rule at or
// above this priority matches.
const ShortCircuitPriority = 100

// Rule is a declarative routing rule. Pattern matches the event type as an
// exact string, a wildcard expression when wildcard routing is enabled, or a
// regular expression. A matching rule sets the event target and may rewrite
// the event via Transform.
type Rule struct {
	Pattern   string
	Target    string
	Priority  int
	Filter    func(event types.Event) bool
	Transform func(event types.Event) types.Event

	seq     int
	matcher *regexp.Regexp
}

// RouterConfig configures pattern interpretation.
type RouterConfig struct {
	// WildcardRouting expands "*" in patterns to a non-greedy regex segment.
	WildcardRouting bool
}

// Router applies default rules first, then rules registered for the event's
// type. Within each list rules run in descending priority; ties keep
// insertion order.
type Router struct {
	mu           sync.RWMutex
	config       RouterConfig
	defaultRules []*Rule
	typeRules    map[types.EventType][]*Rule
	seq          int
	logger       *zap.Logger
}

// NewRouter creates an empty router.
func NewRouter(config RouterConfig, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		config:    config,
		typeRules: make(map[types.EventType][]*Rule),
		logger:    logger.With(zap.String("component", "event_router")),
	}
}

// AddDefaultRule registers a rule evaluated for every event.
func (r *Router) AddDefaultRule(rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultRules = insertRule(r.defaultRules, r.prepare(&rule))
}

// AddRule registers a rule evaluated only for events of the given type.
func (r *Router) AddRule(eventType types.EventType, rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.typeRules[eventType] = insertRule(r.typeRules[eventType], r.prepare(&rule))
}

func (r *Router) prepare(rule *Rule) *Rule {
	r.seq++
	rule.seq = r.seq
	rule.matcher = r.compile(rule.Pattern)
	return rule
}

// compile returns a regex matcher for non-exact patterns, or nil when the
// pattern should be compared as a literal string.
func (r *Router) compile(pattern string) *regexp.Regexp {
	if strings.Contains(pattern, "*") && r.config.WildcardRouting {
		expanded := "^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, `.*?`) + "$"
		if m, err := regexp.Compile(expanded); err == nil {
			return m
		}
		return nil
	}
	// Patterns with regex metacharacters are treated as direct regexes.
	if pattern != regexp.QuoteMeta(pattern) {
		if m, err := regexp.Compile(pattern); err == nil {
			return m
		}
		r.logger.Warn("invalid route pattern, falling back to exact match",
			zap.String("pattern", pattern))
	}
	return nil
}

// insertRule keeps rules sorted by descending priority, stable on ties.
func insertRule(rules []*Rule, rule *Rule) []*Rule {
	rules = append(rules, rule)
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})
	return rules
}

// Route applies matching rules to the event and returns the possibly
// rewritten result. A matching rule with priority >= ShortCircuitPriority
// stops further evaluation.
func (r *Router) Route(event types.Event) types.Event {
	r.mu.RLock()
	rules := make([]*Rule, 0, len(r.defaultRules)+len(r.typeRules[event.Type]))
	rules = append(rules, r.defaultRules...)
	rules = append(rules, r.typeRules[event.Type]...)
	r.mu.RUnlock()

	for _, rule := range rules {
		if rule.Filter != nil && !rule.Filter(event) {
			continue
		}
		if !rule.matches(string(event.Type)) {
			continue
		}
		if rule.Transform != nil {
			event = rule.Transform(event)
		}
		if rule.Target != "" {
			event.Target = rule.Target
		}
		if rule.Priority >= ShortCircuitPriority {
			break
		}
	}
	return event
}

func (rule *Rule) matches(eventType string) bool {
	if rule.matcher != nil {
		return rule.matcher.MatchString(eventType)
	}
	return rule.Pattern == eventType
}
