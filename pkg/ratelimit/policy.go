package ratelimit

import (
	"math"
	"math/rand"
	"time"
)

// Category is a class of remote calls sharing one rate-limit budget.
type Category string

const (
	CategoryBulkDownload Category = "bulk_download"
	CategoryDownload     Category = "download"
	CategoryThumbnail    Category = "thumbnail"
	CategoryMetadata     Category = "metadata"
	CategoryEntityLookup Category = "entity_lookup"
	CategoryStory        Category = "story"
	CategoryDefault      Category = "default"
)

// BackoffKind selects the retry curve used for transient failures.
type BackoffKind string

const (
	// BackoffExponential is base*2^n capped at MaxDelay, plus up to 25% jitter.
	BackoffExponential BackoffKind = "exponential"
	// BackoffProgressive walks Schedule and repeats its last step, plus up to 10% jitter.
	BackoffProgressive BackoffKind = "progressive"
	// BackoffEphemeral is a short capped exponential without jitter, for content that
	// expires quickly.
	BackoffEphemeral BackoffKind = "ephemeral"
)

// Policy holds the limits and retry settings for one category.
type Policy struct {
	RequestsPerSecond float64       `mapstructure:"requestsPerSecond" validate:"gt=0"`
	BurstLimit        int           `mapstructure:"burstLimit" validate:"gt=0"`
	WindowDuration    time.Duration `mapstructure:"windowDuration" validate:"gt=0"`
	MaxConcurrent     int           `mapstructure:"maxConcurrent" validate:"gt=0"`
	MaxRetries        int           `mapstructure:"maxRetries" validate:"gte=0"`
	Backoff           BackoffKind   `mapstructure:"backoff" validate:"oneof=exponential progressive ephemeral"`
	BaseDelay         time.Duration `mapstructure:"baseDelay"`
	MaxDelay          time.Duration `mapstructure:"maxDelay"`
	// Schedule is the progressive curve; unused by the other kinds.
	Schedule []time.Duration `mapstructure:"schedule"`
	// RateLimitUnit and RateLimitCap shape the 429 backoff: min(unit*2^n, cap).
	RateLimitUnit time.Duration `mapstructure:"rateLimitUnit"`
	RateLimitCap  time.Duration `mapstructure:"rateLimitCap"`
	// MaxFloodWaits bounds consecutive flood waits inside one Execute call.
	MaxFloodWaits int `mapstructure:"maxFloodWaits"`
	// QueueSize bounds the QueueRequest overflow queue.
	QueueSize int `mapstructure:"queueSize"`
}

// DefaultSchedule is the progressive backoff used for bulk downloads.
var DefaultSchedule = []time.Duration{
	1 * time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second,
}

// DefaultPolicy is applied to categories without an explicit policy.
func DefaultPolicy() Policy {
	return Policy{
		RequestsPerSecond: 1,
		BurstLimit:        20,
		WindowDuration:    time.Minute,
		MaxConcurrent:     3,
		MaxRetries:        3,
		Backoff:           BackoffExponential,
		BaseDelay:         time.Second,
		MaxDelay:          time.Minute,
		RateLimitUnit:     time.Second,
		RateLimitCap:      300 * time.Second,
		MaxFloodWaits:     10,
		QueueSize:         1000,
	}
}

// DefaultPolicies returns the built-in category table. Large backlogs get more retries
// and ephemeral content fewer.
func DefaultPolicies() map[Category]Policy {
	bulk := DefaultPolicy()
	bulk.RequestsPerSecond = 0.5
	bulk.BurstLimit = 30
	bulk.MaxConcurrent = 2
	bulk.MaxRetries = 5
	bulk.Backoff = BackoffProgressive
	bulk.Schedule = append([]time.Duration(nil), DefaultSchedule...)

	download := DefaultPolicy()
	download.RequestsPerSecond = 1
	download.BurstLimit = 30
	download.MaxConcurrent = 3
	download.MaxRetries = 4

	thumb := DefaultPolicy()
	thumb.RequestsPerSecond = 3
	thumb.BurstLimit = 60
	thumb.MaxConcurrent = 5

	meta := DefaultPolicy()
	meta.RequestsPerSecond = 2
	meta.BurstLimit = 40
	meta.MaxConcurrent = 5

	lookup := DefaultPolicy()
	lookup.RequestsPerSecond = 0.5
	lookup.BurstLimit = 10
	lookup.MaxConcurrent = 1
	lookup.MaxRetries = 2

	story := DefaultPolicy()
	story.RequestsPerSecond = 1
	story.BurstLimit = 20
	story.MaxConcurrent = 2
	story.MaxRetries = 2
	story.Backoff = BackoffEphemeral
	story.BaseDelay = 500 * time.Millisecond
	story.MaxDelay = 5 * time.Second

	return map[Category]Policy{
		CategoryBulkDownload: bulk,
		CategoryDownload:     download,
		CategoryThumbnail:    thumb,
		CategoryMetadata:     meta,
		CategoryEntityLookup: lookup,
		CategoryStory:        story,
		CategoryDefault:      DefaultPolicy(),
	}
}

// withDefaults fills zero fields from DefaultPolicy.
func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.RequestsPerSecond <= 0 {
		p.RequestsPerSecond = d.RequestsPerSecond
	}
	if p.BurstLimit <= 0 {
		p.BurstLimit = d.BurstLimit
	}
	if p.WindowDuration <= 0 {
		p.WindowDuration = d.WindowDuration
	}
	if p.MaxConcurrent <= 0 {
		p.MaxConcurrent = d.MaxConcurrent
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.Backoff == "" {
		p.Backoff = d.Backoff
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.Backoff == BackoffProgressive && len(p.Schedule) == 0 {
		p.Schedule = append([]time.Duration(nil), DefaultSchedule...)
	}
	if p.RateLimitUnit <= 0 {
		p.RateLimitUnit = d.RateLimitUnit
	}
	if p.RateLimitCap <= 0 {
		p.RateLimitCap = d.RateLimitCap
	}
	if p.MaxFloodWaits <= 0 {
		p.MaxFloodWaits = d.MaxFloodWaits
	}
	if p.QueueSize <= 0 {
		p.QueueSize = d.QueueSize
	}
	return p
}

// RateLimitedDelay is the 429 backoff for the given count of consecutive 429s.
func (p Policy) RateLimitedDelay(consecutive int) time.Duration {
	return capped(p.RateLimitUnit, consecutive, p.RateLimitCap)
}

// TransientDelay is the wait before retry number attempt (0-based) after a transient
// or unknown failure.
func (p Policy) TransientDelay(attempt int) time.Duration {
	switch p.Backoff {
	case BackoffProgressive:
		if len(p.Schedule) == 0 {
			return 0
		}
		i := attempt
		if i >= len(p.Schedule) {
			i = len(p.Schedule) - 1
		}
		return jitter(p.Schedule[i], 0.10)
	case BackoffEphemeral:
		return capped(p.BaseDelay, attempt, p.MaxDelay)
	default:
		return jitter(capped(p.BaseDelay, attempt, p.MaxDelay), 0.25)
	}
}

// maxBackoff is an upper bound for any single retry delay under p.
func (p Policy) maxBackoff() time.Duration {
	m := p.RateLimitCap
	if p.MaxDelay > m {
		m = p.MaxDelay
	}
	for _, d := range p.Schedule {
		if d > m {
			m = d
		}
	}
	// jitter headroom
	return m + m/4
}

func capped(unit time.Duration, exp int, limit time.Duration) time.Duration {
	if exp < 0 {
		exp = 0
	}
	d := float64(unit) * math.Pow(2, float64(exp))
	if d > float64(limit) {
		return limit
	}
	return time.Duration(d)
}

func jitter(d time.Duration, frac float64) time.Duration {
	if d <= 0 {
		return d
	}
	return d + time.Duration(rand.Float64()*frac*float64(d))
}
