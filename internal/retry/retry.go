// Package retry classifies provider failures and decides what happens to the job.
package retry

import (
	"time"

	"horse.fit/skim/internal/summarizer"
)

// Class is the retry category of a failed summary call.
type Class string

const (
	ClassTemporary   Class = "temporary"
	ClassRateLimited Class = "rate_limited"
	ClassPermanent   Class = "permanent"
)

// Action is what the worker does with the job after a failure.
type Action string

const (
	// ActionRelease frees the lease with attempts persisted; the job is eligible next tick.
	ActionRelease Action = "release"
	// ActionCooldown parks the job until CooldownUntil with attempts reset.
	ActionCooldown Action = "cooldown"
	// ActionFail moves the job to the failure log.
	ActionFail Action = "fail"
	// ActionRateLimited releases without touching attempts.
	ActionRateLimited Action = "rate_limited"
)

const (
	DefaultMaxAttempts        = 5
	DefaultCooldown           = 24 * time.Hour
	DefaultEmptyResponseLimit = 3
)

// Policy holds the retry thresholds. It is immutable once built.
type Policy struct {
	MaxAttempts        int
	Cooldown           time.Duration
	EmptyResponseLimit int
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:        DefaultMaxAttempts,
		Cooldown:           DefaultCooldown,
		EmptyResponseLimit: DefaultEmptyResponseLimit,
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Cooldown <= 0 {
		p.Cooldown = DefaultCooldown
	}
	if p.EmptyResponseLimit < 1 {
		p.EmptyResponseLimit = DefaultEmptyResponseLimit
	}
	return p
}

// Classification is the classifier output for one failure.
type Classification struct {
	Class Class
	// Kind is the provider error kind, or "internal" for non-provider errors.
	Kind string
	// EmptyStreak is the job's consecutive empty-response count after this failure.
	EmptyStreak int
	RetryAfter  time.Duration
}

// Classify maps err onto a retry class. emptyStreak is the job's consecutive
// empty-response count before this call.
func (p Policy) Classify(err error, emptyStreak int) Classification {
	p = p.withDefaults()

	perr, ok := summarizer.AsProviderError(err)
	if !ok {
		return Classification{Class: ClassPermanent, Kind: "internal"}
	}

	c := Classification{Kind: string(perr.Kind)}
	switch perr.Kind {
	case summarizer.KindRateLimited:
		c.Class = ClassRateLimited
		c.RetryAfter = perr.RetryAfter
		c.EmptyStreak = emptyStreak
	case summarizer.KindTimeout, summarizer.KindConnection, summarizer.KindServer:
		c.Class = ClassTemporary
	case summarizer.KindEmptyResponse:
		c.EmptyStreak = emptyStreak + 1
		if c.EmptyStreak >= p.EmptyResponseLimit {
			c.Class = ClassPermanent
		} else {
			c.Class = ClassTemporary
		}
	default:
		// bad_request, malformed_response and any future kind
		c.Class = ClassPermanent
	}
	return c
}

// Decision is the persisted outcome of a failure.
type Decision struct {
	Action         Action
	Class          Class
	Kind           string
	Attempts       int
	EmptyResponses int
	CooldownUntil  *time.Time
	RetryAfter     time.Duration
}

// Decide applies the policy to a classified failure of a job that had
// attempts failed attempts before this one.
func (p Policy) Decide(c Classification, attempts int, now time.Time) Decision {
	p = p.withDefaults()

	d := Decision{
		Class:          c.Class,
		Kind:           c.Kind,
		EmptyResponses: c.EmptyStreak,
	}

	if c.Class == ClassRateLimited {
		d.Action = ActionRateLimited
		d.Attempts = attempts
		d.RetryAfter = c.RetryAfter
		return d
	}

	d.Attempts = attempts + 1
	if d.Attempts < p.MaxAttempts {
		d.Action = ActionRelease
		return d
	}

	if c.Class == ClassTemporary {
		until := now.Add(p.Cooldown)
		d.Action = ActionCooldown
		d.Attempts = 0
		d.CooldownUntil = &until
		return d
	}

	d.Action = ActionFail
	return d
}
