package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Knetic/govaluate"

	"github.com/civita/formation/internal/domain/activity"
)

const (
	VisibilityPublic     = "public"
	VisibilityInviteOnly = "invite_only"
	expressionPrefix     = "expr:"
)

var ErrInvalidPolicy = errors.New("invalid visibility policy")

// PolicyEvaluator decides visibility from the activity's policy string:
//
//	public                 anyone may join
//	invite_only            the participant's "invited_to" attribute lists the activity id
//	invite_only:a,b        only the listed participant ids
//	expr:<expression>      a boolean govaluate expression over participant attributes
type PolicyEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*govaluate.EvaluableExpression
}

func NewPolicyEvaluator() *PolicyEvaluator {
	return &PolicyEvaluator{cache: make(map[string]*govaluate.EvaluableExpression)}
}

// CanJoin implements the catalog visibility decision.
func (e *PolicyEvaluator) CanJoin(_ context.Context, a *activity.Activity, p activity.Participant) (bool, error) {
	policy := strings.TrimSpace(a.Visibility)
	switch {
	case policy == "" || strings.EqualFold(policy, VisibilityPublic):
		return true, nil
	case strings.EqualFold(policy, VisibilityInviteOnly):
		return invited(a, p), nil
	case strings.HasPrefix(strings.ToLower(policy), VisibilityInviteOnly+":"):
		for _, id := range strings.Split(policy[len(VisibilityInviteOnly)+1:], ",") {
			if strings.TrimSpace(id) == p.ParticipantID {
				return true, nil
			}
		}
		return false, nil
	case strings.HasPrefix(policy, expressionPrefix):
		return e.evaluate(strings.TrimSpace(policy[len(expressionPrefix):]), a, p)
	default:
		return false, fmt.Errorf("%w: %q", ErrInvalidPolicy, policy)
	}
}

// Validate reports whether policy can be evaluated.
func (e *PolicyEvaluator) Validate(policy string) error {
	policy = strings.TrimSpace(policy)
	if !strings.HasPrefix(policy, expressionPrefix) {
		switch {
		case policy == "", strings.EqualFold(policy, VisibilityPublic), strings.EqualFold(policy, VisibilityInviteOnly),
			strings.HasPrefix(strings.ToLower(policy), VisibilityInviteOnly+":"):
			return nil
		}
		return fmt.Errorf("%w: %q", ErrInvalidPolicy, policy)
	}
	_, err := e.compile(strings.TrimSpace(policy[len(expressionPrefix):]))
	return err
}

func (e *PolicyEvaluator) evaluate(expression string, a *activity.Activity, p activity.Participant) (bool, error) {
	expr, err := e.compile(expression)
	if err != nil {
		return false, err
	}
	result, err := expr.Evaluate(buildParams(a, p))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	allowed, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("%w: expression did not evaluate to boolean", ErrInvalidPolicy)
	}
	return allowed, nil
}

func (e *PolicyEvaluator) compile(expression string) (*govaluate.EvaluableExpression, error) {
	if expression == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidPolicy)
	}
	e.mu.RLock()
	expr, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return expr, nil
	}
	expr, err := govaluate.NewEvaluableExpression(expression)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	e.mu.Lock()
	e.cache[expression] = expr
	e.mu.Unlock()
	return expr, nil
}

// buildParams exposes participant attributes by name, nested attributes as
// dotted keys, and a few activity fields under an activity_ prefix.
func buildParams(a *activity.Activity, p activity.Participant) map[string]interface{} {
	params := map[string]interface{}{}
	for k, v := range p.Attributes {
		params[k] = normalize(v)
	}
	flatten("", p.Attributes, params)
	params["participant_id"] = p.ParticipantID
	params["activity_kind"] = string(a.Kind)
	params["activity_joined"] = float64(a.Roster.Count())
	params["activity_max"] = float64(a.MaxParticipants)
	params["activity_created_by"] = a.CreatedBy
	return params
}

func flatten(prefix string, m map[string]interface{}, out map[string]interface{}) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			flatten(key, nested, out)
			continue
		}
		out[key] = normalize(v)
	}
}

// normalize converts integer attributes to float64, the only numeric type
// govaluate compares.
func normalize(v interface{}) interface{} {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return v
	}
}

func invited(a *activity.Activity, p activity.Participant) bool {
	raw, ok := p.Attributes["invited_to"]
	if !ok {
		return false
	}
	target := a.ActivityID.String()
	switch v := raw.(type) {
	case []string:
		for _, id := range v {
			if id == target {
				return true
			}
		}
	case []interface{}:
		for _, id := range v {
			if s, ok := id.(string); ok && s == target {
				return true
			}
		}
	case string:
		for _, id := range strings.Split(v, ",") {
			if strings.TrimSpace(id) == target {
				return true
			}
		}
	}
	return false
}
