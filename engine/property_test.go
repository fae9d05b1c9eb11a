package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/flowd-io/flowd/dsl"
	"github.com/flowd-io/flowd/instance"
)

// TestAdvanceReplayProperty checks that advancement is a pure function of
// the wire bytes and the clock: redelivering any mid-flight message to a
// fresh engine at the same instant produces byte-identical results, and the
// run still ends in the right branch.
func TestAdvanceReplayProperty(t *testing.T) {
	wf := mustParse(t, `
document:
  dsl: "1.0.0"
  namespace: test
  name: replay
  version: "0.1.0"
input:
  from: "${ {v: .} }"
do:
  - double:
      set:
        v: "${ .v * 2 }"
  - pause:
      wait: PT1S
  - route:
      switch:
        - big:
            when: "${ .v > 5 }"
            then: big
        - small:
            then: small
  - big:
      set:
        out: big
      then: end
  - small:
      set:
        out: small
      then: end
output:
  as: "${ .out }"
`)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("every step replays to identical bytes and the route matches", prop.ForAll(
		func(v int) bool {
			inst, err := instance.New(wf.Document.Name, wf.Document.Version, v)
			if err != nil {
				return false
			}
			msg := inst.Message()
			elapsed := time.Duration(0)
			for step := 0; step < 20; step++ {
				wire, err := msg.Encode()
				if err != nil {
					return false
				}
				var encodings [2]string
				var statuses [2]instance.Status
				var delays [2]time.Duration
				var next *Outcome
				for r := 0; r < 2; r++ {
					replay, err := instance.DecodeMessage(wire)
					if err != nil {
						return false
					}
					clk := newFakeClock()
					clk.advance(elapsed)
					e := testEngine(t, clk, Options{})
					out, err := e.Advance(context.Background(), wf, replay)
					if err != nil {
						return false
					}
					enc, err := out.Message.Encode()
					if err != nil {
						return false
					}
					encodings[r] = string(enc)
					statuses[r] = out.Status
					delays[r] = out.Delay
					if r == 0 {
						next = out
					}
				}
				if encodings[0] != encodings[1] || statuses[0] != statuses[1] || delays[0] != delays[1] {
					return false
				}
				st, ok := next.Message.States[next.Message.Position]
				if !ok || !st.HasRawInput() {
					return false
				}
				if !next.Suspended() {
					want := "small"
					if 2*v > 5 {
						want = "big"
					}
					return next.Status == instance.StatusCompleted && equalValues(next.Output, want)
				}
				if next.EventWait != nil {
					return false
				}
				elapsed += next.Delay
				msg = next.Message
			}
			return false
		},
		gen.IntRange(-50, 50),
	))

	properties.TestingRun(t)
}

const retryPropDoc = `
document:
  dsl: "1.0.0"
  namespace: test
  name: retry-prop
  version: "0.1.0"
do:
  - guarded:
      try:
        - boom:
            raise:
              error:
                type: https://serverlessworkflow.io/spec/1.0.0/errors/runtime
                status: 500
                detail: boom
      catch:
        retry:
          delay: PT%dS
          backoff:
            %s: {}
          limit:
            attempt:
              count: %d
`

// TestRetryAttemptProperty checks that for any retry policy the attempt
// index counts up by one per scheduled retry, exactly limit retries run,
// delays never shrink, and the exhausted instance faults with the original
// error pointing at the raising position.
func TestRetryAttemptProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("attempt indexes count up to the declared limit", prop.ForAll(
		func(limit, delaySecs int, strategy dsl.BackoffStrategy) bool {
			doc := fmt.Sprintf(retryPropDoc, delaySecs, string(strategy), limit)
			wf, err := dsl.Parse([]byte(doc))
			if err != nil {
				return false
			}
			clk := newFakeClock()
			e := testEngine(t, clk, Options{})
			inst, err := instance.New(wf.Document.Name, wf.Document.Version, nil)
			if err != nil {
				return false
			}
			msg := inst.Message()
			var attempts []int
			var delays []time.Duration
			for i := 0; i <= limit+2; i++ {
				out, err := e.Advance(context.Background(), wf, msg)
				if err != nil {
					return false
				}
				if !out.Suspended() {
					if out.Status != instance.StatusFaulted {
						return false
					}
					if len(attempts) != limit {
						return false
					}
					for j, a := range attempts {
						if a != j+1 {
							return false
						}
					}
					if delays[0] != time.Duration(delaySecs)*time.Second {
						return false
					}
					for j := 1; j < len(delays); j++ {
						if delays[j] < delays[j-1] {
							return false
						}
					}
					fault := out.Message.Error
					return fault != nil && fault.Status == 500 && fault.Detail == "boom" &&
						fault.Instance == "/do/0/guarded/try/0/boom"
				}
				if out.Status != instance.StatusWaiting || out.Delay <= 0 {
					return false
				}
				if out.Message.Position != "/do/0/guarded/try/0/boom" {
					return false
				}
				st := out.Message.States["/do/0/guarded"]
				if st == nil {
					return false
				}
				attempts = append(attempts, st.Attempts())
				delays = append(delays, out.Delay)
				clk.advance(out.Delay)
				msg = out.Message
			}
			return false
		},
		gen.IntRange(1, 4),
		gen.IntRange(1, 3),
		gen.OneConstOf(dsl.BackoffConstant, dsl.BackoffLinear, dsl.BackoffExponential),
	))

	properties.TestingRun(t)
}

// TestRetryDelayProperty checks the scheduling arithmetic in isolation:
// jitter is a pure function of the retry identity, stays within its
// envelope, and growth never shrinks a delay between attempts.
func TestRetryDelayProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("the same scheduling decision always yields the same delay", prop.ForAll(
		func(id, seg string, attempt, baseSecs, jitterMillis int, strategy dsl.BackoffStrategy) bool {
			policy := &dsl.RetryPolicy{
				Delay:   dsl.DurationOf(time.Duration(baseSecs) * time.Second),
				Backoff: &dsl.Backoff{Strategy: strategy},
				Jitter:  dsl.DurationOf(time.Duration(jitterMillis) * time.Millisecond),
			}
			pos := "/do/0/" + seg
			first := retryDelay(policy, attempt, id, pos, time.Hour)
			second := retryDelay(policy, attempt, id, pos, time.Hour)
			return first == second
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.IntRange(0, 6),
		gen.IntRange(1, 5),
		gen.IntRange(0, 2000),
		gen.OneConstOf(dsl.BackoffConstant, dsl.BackoffLinear, dsl.BackoffExponential),
	))

	properties.Property("jitter widens the delay only within its envelope", prop.ForAll(
		func(id string, attempt, baseSecs, jitterMillis int, strategy dsl.BackoffStrategy) bool {
			bare := &dsl.RetryPolicy{
				Delay:   dsl.DurationOf(time.Duration(baseSecs) * time.Second),
				Backoff: &dsl.Backoff{Strategy: strategy},
			}
			jittered := &dsl.RetryPolicy{
				Delay:   bare.Delay,
				Backoff: bare.Backoff,
				Jitter:  dsl.DurationOf(time.Duration(jitterMillis) * time.Millisecond),
			}
			grown := retryDelay(bare, attempt, id, "/do/0/t", time.Hour)
			got := retryDelay(jittered, attempt, id, "/do/0/t", time.Hour)
			return got >= grown && got <= grown+time.Duration(jitterMillis)*time.Millisecond
		},
		gen.Identifier(),
		gen.IntRange(0, 6),
		gen.IntRange(1, 5),
		gen.IntRange(0, 2000),
		gen.OneConstOf(dsl.BackoffConstant, dsl.BackoffLinear, dsl.BackoffExponential),
	))

	properties.Property("delays never shrink as attempts grow without jitter", prop.ForAll(
		func(baseSecs int, strategy dsl.BackoffStrategy) bool {
			policy := &dsl.RetryPolicy{
				Delay:   dsl.DurationOf(time.Duration(baseSecs) * time.Second),
				Backoff: &dsl.Backoff{Strategy: strategy},
			}
			prev := retryDelay(policy, 0, "inst", "/do/0/t", time.Hour)
			if prev != time.Duration(baseSecs)*time.Second {
				return false
			}
			for attempt := 1; attempt <= 6; attempt++ {
				d := retryDelay(policy, attempt, "inst", "/do/0/t", time.Hour)
				if d < prev {
					return false
				}
				prev = d
			}
			return true
		},
		gen.IntRange(1, 5),
		gen.OneConstOf(dsl.BackoffConstant, dsl.BackoffLinear, dsl.BackoffExponential),
	))

	properties.TestingRun(t)
}
