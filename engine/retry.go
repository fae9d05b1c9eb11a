package engine

import (
	"hash/fnv"
	"math"
	"math/rand"
	"strconv"
	"time"

	"github.com/flowd-io/flowd/dsl"
)

// defaultMaxRetryDelay caps grown backoff delays when the policy sets no
// limit of its own.
const defaultMaxRetryDelay = time.Hour

// retryDelay computes the delay before retry attempt attemptIndex (zero-based:
// the first retry uses index 0). The exponential strategy interprets the base
// delay in milliseconds and grows it as delay^(1+attemptIndex); linear grows
// it as delay*(1+attemptIndex). Jitter adds a uniform value in [0, jitter]
// drawn from a generator seeded by (instanceID, tryPos, attemptIndex), so a
// redelivered message schedules the identical retry.
func retryDelay(policy *dsl.RetryPolicy, attemptIndex int, instanceID, tryPos string, maxDelay time.Duration) time.Duration {
	if maxDelay <= 0 {
		maxDelay = defaultMaxRetryDelay
	}
	base := policy.Delay.Value()
	delay := base
	switch policy.BackoffStrategy() {
	case dsl.BackoffConstant:
		delay = base
	case dsl.BackoffLinear:
		delay = base * time.Duration(1+attemptIndex)
	case dsl.BackoffExponential:
		ms := float64(base / time.Millisecond)
		grown := math.Pow(ms, float64(1+attemptIndex))
		if grown > float64(maxDelay/time.Millisecond) {
			delay = maxDelay
		} else {
			delay = time.Duration(grown) * time.Millisecond
		}
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	if delay < 0 {
		delay = 0
	}
	if jitter := policy.Jitter.Value(); jitter > 0 {
		rng := rand.New(rand.NewSource(jitterSeed(instanceID, tryPos, attemptIndex)))
		delay += time.Duration(rng.Int63n(int64(jitter) + 1))
	}
	return delay
}

// jitterSeed hashes the retry identity so jitter is reproducible across
// redeliveries of the same scheduling decision.
func jitterSeed(instanceID, tryPos string, attemptIndex int) int64 {
	h := fnv.New64a()
	h.Write([]byte(instanceID))
	h.Write([]byte{0})
	h.Write([]byte(tryPos))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(attemptIndex)))
	return int64(h.Sum64())
}

// retryExhausted reports whether the policy permits no further attempt.
// attempts counts retries already scheduled; firstAttempt is when the try
// node first started, used against a duration limit. fallbackMax caps
// policies that declare no attempt count themselves.
func retryExhausted(policy *dsl.RetryPolicy, attempts int, firstAttempt time.Time, now time.Time, fallbackMax int) bool {
	limit := policy.MaxAttempts()
	if limit <= 0 {
		limit = fallbackMax
	}
	if limit > 0 && attempts >= limit {
		return true
	}
	if policy.Limit != nil {
		window := policy.Limit.Duration
		if window.IsZero() && policy.Limit.Attempt != nil {
			window = policy.Limit.Attempt.Duration
		}
		if !window.IsZero() && !firstAttempt.IsZero() && now.Sub(firstAttempt) >= window.Value() {
			return true
		}
	}
	return false
}
