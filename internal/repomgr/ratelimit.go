// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package repomgr

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

// RateLimitedAction is an enum of all actions that can be rate-limited.
type RateLimitedAction string

const (
	// UploadObjectAction is the RateLimitedAction for object uploads.
	UploadObjectAction RateLimitedAction = "uploadobject"
)

// RateLimitEngine is used to check if a given action is allowed by the
// configured rate limits. A nil *RateLimitEngine allows everything.
type RateLimitEngine struct {
	Client *redis.Client
	Limits map[RateLimitedAction]redis_rate.Limit
}

// NewRateLimitEngine builds a RateLimitEngine from the configured upload limit.
func NewRateLimitEngine(cfg Configuration, client *redis.Client) (*RateLimitEngine, error) {
	limit, err := ParseRateLimit(cfg.UploadRateLimitSpec, cfg.UploadRateLimitBurst)
	if err != nil {
		return nil, fmt.Errorf("malformed REPOMGR_RATELIMIT_UPLOADS: %w", err)
	}
	return &RateLimitEngine{
		Client: client,
		Limits: map[RateLimitedAction]redis_rate.Limit{UploadObjectAction: limit},
	}, nil
}

var rateLimitSpecRx = regexp.MustCompile(`^\s*([0-9]+)\s*r/([smh])\s*$`)

// ParseRateLimit parses a rate limit like "100r/m".
func ParseRateLimit(spec string, burst int) (redis_rate.Limit, error) {
	match := rateLimitSpecRx.FindStringSubmatch(spec)
	if match == nil {
		return redis_rate.Limit{}, fmt.Errorf("expected a value like \"100r/m\", got %q", spec)
	}
	rate, err := strconv.Atoi(match[1])
	if err != nil || rate <= 0 {
		return redis_rate.Limit{}, fmt.Errorf("expected a positive rate, got %q", spec)
	}
	if burst <= 0 {
		return redis_rate.Limit{}, fmt.Errorf("expected a positive burst, got %d", burst)
	}
	period := map[string]time.Duration{"s": time.Second, "m": time.Minute, "h": time.Hour}[match[2]]
	return redis_rate.Limit{Rate: rate, Burst: burst, Period: period}, nil
}

// RateLimitAllows checks whether the given action is allowed for the given
// subject. If it is not, the returned duration says when the client may retry.
func (e *RateLimitEngine) RateLimitAllows(ctx context.Context, subject string, action RateLimitedAction) (bool, time.Duration, error) {
	if e == nil {
		return true, 0, nil
	}
	limit, ok := e.Limits[action]
	if !ok {
		return true, 0, nil
	}

	limiter := redis_rate.NewLimiter(e.Client)
	key := fmt.Sprintf("repomgr-ratelimit-%s-%s", action, subject)
	result, err := limiter.Allow(ctx, key, limit)
	if err != nil {
		return false, 0, err
	}
	return result.Allowed > 0, result.RetryAfter, nil
}
