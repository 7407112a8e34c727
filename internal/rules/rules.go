// Package rules implements standing-rule matching for auto-approval.
// Matching is a pure function over the call and the candidate rules; all
// I/O (loading rules, bumping use counts) lives in the store.
package rules

import (
	"reflect"
	"sort"
	"time"
)

// Wildcard is the constraint value that matches any argument value.
const Wildcard = "*"

// StandingRule is a reusable auto-approval policy for one tool.
type StandingRule struct {
	ID             string
	ToolName       string
	ArgConstraints map[string]any // value or Wildcard per argument name
	Description    string
	CreatedFrom    *string // originating action id, if promoted from one
	CreatedAt      time.Time
	ExpiresAt      *time.Time
	MaxUses        *int
	UseCount       int
	Active         bool
}

// Usable reports whether the rule may auto-approve calls at the given time:
// active, not expired, and not use-exhausted.
func (r *StandingRule) Usable(now time.Time) bool {
	if !r.Active {
		return false
	}
	if r.ExpiresAt != nil && !r.ExpiresAt.After(now) {
		return false
	}
	if r.MaxUses != nil && r.UseCount >= *r.MaxUses {
		return false
	}
	return true
}

// Matches reports whether every constraint is satisfied by args. A missing
// argument never matches, even against the wildcard. Extra call arguments
// not named in the constraints are ignored.
func (r *StandingRule) Matches(args map[string]any) bool {
	for key, constraint := range r.ArgConstraints {
		val, ok := args[key]
		if !ok {
			return false
		}
		if s, isStr := constraint.(string); isStr && s == Wildcard {
			continue
		}
		if !reflect.DeepEqual(constraint, val) {
			return false
		}
	}
	return true
}

// Specificity counts non-wildcard constraints. More specific rules outrank
// less specific ones.
func (r *StandingRule) Specificity() int {
	n := 0
	for _, constraint := range r.ArgConstraints {
		if s, isStr := constraint.(string); isStr && s == Wildcard {
			continue
		}
		n++
	}
	return n
}

// Match returns the highest-precedence usable rule matching the call, or nil.
//
// Precedence: higher specificity first; on a tie, a rule with an expiry
// outranks one without (bounded beats unbounded); remaining ties go to the
// earlier created_at, then the smaller rule id. The last two steps make the
// order a documented deterministic total order rather than insertion order.
func Match(toolName string, args map[string]any, candidates []*StandingRule, now time.Time) *StandingRule {
	matched := make([]*StandingRule, 0, len(candidates))
	for _, r := range candidates {
		if r.ToolName != toolName {
			continue
		}
		if !r.Usable(now) {
			continue
		}
		if r.Matches(args) {
			matched = append(matched, r)
		}
	}
	if len(matched) == 0 {
		return nil
	}

	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if sa, sb := a.Specificity(), b.Specificity(); sa != sb {
			return sa > sb
		}
		if (a.ExpiresAt != nil) != (b.ExpiresAt != nil) {
			return a.ExpiresAt != nil
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return matched[0]
}
