package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

// ErrInvalidPolicy marks a refresh policy that can never auto-fire: an
// unparseable cron expression with no interval fallback. Such nodes are
// refreshed manually only, and the scheduler warns once per detection.
var ErrInvalidPolicy = errors.New("invalid refresh policy")

// RefreshPolicyKind tags the policy variant. The cron/interval duality is a
// tagged variant rather than two optional fields, so the fallback rule is
// explicit: CronWithFallback uses the interval only when the cron expression
// fails to parse.
type RefreshPolicyKind string

const (
	PolicyInterval         RefreshPolicyKind = "interval"
	PolicyCron             RefreshPolicyKind = "cron"
	PolicyCronWithFallback RefreshPolicyKind = "cron_with_fallback"
)

// RefreshPolicy controls when a node is auto-refreshed and whether the
// refresh is drift-gated.
type RefreshPolicy struct {
	Kind     RefreshPolicyKind `msgpack:"kind"`
	Interval time.Duration     `msgpack:"interval,omitempty"`
	CronExpr string            `msgpack:"cron,omitempty"`

	// DriftThreshold, when set, snoozes a due refresh unless the node's
	// most recent drift score is >= the threshold. Range [0, 1].
	DriftThreshold *float64 `msgpack:"drift_threshold,omitempty"`
}

// ParseRefreshPolicy builds a RefreshPolicy from the recognized policy
// options (interval_seconds, cron, drift_threshold). A nil return with nil
// error means the node has no policy and is never auto-due.
//
// Fallback rule: cron + interval => CronWithFallback; an invalid cron then
// degrades to the interval. Invalid cron with no interval => ErrInvalidPolicy.
func ParseRefreshPolicy(opts map[string]any) (*RefreshPolicy, error) {
	if len(opts) == 0 {
		return nil, nil
	}

	var (
		interval    time.Duration
		hasInterval bool
	)
	if raw, ok := opts["interval_seconds"]; ok {
		secs, ok := toInt64(raw)
		if !ok || secs <= 0 {
			return nil, fmt.Errorf("%w: interval_seconds must be a positive integer, got %v", ErrInvalidPolicy, raw)
		}
		interval = time.Duration(secs) * time.Second
		hasInterval = true
	}

	var threshold *float64
	if raw, ok := opts["drift_threshold"]; ok {
		f, ok := toFloat64(raw)
		if !ok || f < 0 || f > 1 {
			return nil, fmt.Errorf("%w: drift_threshold must be in [0,1], got %v", ErrInvalidPolicy, raw)
		}
		threshold = &f
	}

	cronExpr, hasCron := opts["cron"].(string)
	if hasCron && cronExpr != "" {
		cronValid := gronx.New().IsValid(cronExpr)
		switch {
		case cronValid && hasInterval:
			return &RefreshPolicy{Kind: PolicyCronWithFallback, CronExpr: cronExpr, Interval: interval, DriftThreshold: threshold}, nil
		case cronValid:
			return &RefreshPolicy{Kind: PolicyCron, CronExpr: cronExpr, DriftThreshold: threshold}, nil
		case hasInterval:
			// Unparseable cron falls back to the interval.
			return &RefreshPolicy{Kind: PolicyInterval, Interval: interval, DriftThreshold: threshold}, nil
		default:
			return nil, fmt.Errorf("%w: cron %q does not parse and no interval_seconds fallback", ErrInvalidPolicy, cronExpr)
		}
	}

	if hasInterval {
		return &RefreshPolicy{Kind: PolicyInterval, Interval: interval, DriftThreshold: threshold}, nil
	}
	if threshold != nil {
		// A bare drift threshold gates nothing on its own.
		return nil, fmt.Errorf("%w: drift_threshold without interval_seconds or cron", ErrInvalidPolicy)
	}
	return nil, nil
}

// NextDue returns the next time the policy fires after lastRefreshed.
// ok=false means the policy can never auto-fire.
func (p *RefreshPolicy) NextDue(lastRefreshed time.Time) (time.Time, bool) {
	if p == nil {
		return time.Time{}, false
	}
	switch p.Kind {
	case PolicyInterval:
		return lastRefreshed.Add(p.Interval), true
	case PolicyCron, PolicyCronWithFallback:
		next, err := gronx.NextTickAfter(p.CronExpr, lastRefreshed, false)
		if err != nil {
			if p.Kind == PolicyCronWithFallback {
				return lastRefreshed.Add(p.Interval), true
			}
			return time.Time{}, false
		}
		return next, true
	default:
		return time.Time{}, false
	}
}

// Due reports whether the node is due at now, given its last refresh time.
// A node never refreshed (zero lastRefreshed) is immediately due.
func (p *RefreshPolicy) Due(lastRefreshed, now time.Time) bool {
	if p == nil {
		return false
	}
	if lastRefreshed.IsZero() {
		return true
	}
	next, ok := p.NextDue(lastRefreshed)
	if !ok {
		return false
	}
	return !now.Before(next)
}

func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint64:
		return int64(x), true
	case float64:
		if x != float64(int64(x)) {
			return 0, false
		}
		return int64(x), true
	case float32:
		return toInt64(float64(x))
	default:
		return 0, false
	}
}

func toFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	default:
		return 0, false
	}
}
