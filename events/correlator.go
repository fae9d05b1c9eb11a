package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/flowd-io/flowd/expr"
	"github.com/flowd-io/flowd/instance"
	"github.com/flowd-io/flowd/metrics"
)

// Republisher returns a resumed continuation to the input channel.
type Republisher interface {
	Publish(ctx context.Context, payload []byte) error
}

// Correlator parks listen continuations and matches incoming events
// against their waits. Parkings live in memory: a restart drops them and
// the instances stay suspended until their messages are redelivered and
// re-parked, so sources should retain events long enough to replay.
type Correlator struct {
	eval      *expr.Evaluator
	republish Republisher
	logger    *slog.Logger

	mu     sync.Mutex
	parked map[string]*parking
}

// parking is one suspended listen. done and values run parallel to the
// wait's filters; seen ensures one event never satisfies two filters of
// the same wait.
type parking struct {
	wait   *Wait
	msg    *instance.Message
	done   []bool
	values []any
	seen   map[string]bool
}

// NewCorrelator creates a correlator that resumes instances through
// republish.
func NewCorrelator(republish Republisher, logger *slog.Logger) *Correlator {
	return &Correlator{
		eval:      expr.NewEvaluator(),
		republish: republish,
		logger:    logger.With("component", "correlator"),
		parked:    map[string]*parking{},
	}
}

// Park registers a continuation suspended on wait. The message's active
// position must be the listen task the wait belongs to.
func (c *Correlator) Park(msg *instance.Message, wait *Wait) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("cannot park invalid message: %w", err)
	}
	if wait == nil || len(wait.Filters) == 0 {
		return fmt.Errorf("cannot park without filters")
	}
	key := instance.FromMessage(msg).ID()
	if key == "" {
		return fmt.Errorf("cannot park message without an instance id")
	}

	c.mu.Lock()
	c.parked[key] = &parking{
		wait:   wait,
		msg:    msg,
		done:   make([]bool, len(wait.Filters)),
		values: make([]any, len(wait.Filters)),
		seen:   map[string]bool{},
	}
	metrics.ListensParked.Set(float64(len(c.parked)))
	c.mu.Unlock()

	c.logger.Debug("parked listen continuation",
		"instance", key,
		"position", msg.Position,
		"filters", len(wait.Filters),
		"all", wait.All)
	return nil
}

// Parked reports how many continuations are waiting.
func (c *Correlator) Parked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.parked)
}

// Offer matches one event against every parked continuation, resuming
// those it satisfies. It implements the Source handler; a returned error
// means a satisfied continuation could not be republished and the event
// should be redelivered.
func (c *Correlator) Offer(ctx context.Context, event map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for key, p := range c.parked {
		if !p.offer(c.eval, event) {
			continue
		}
		payload, err := p.resume()
		if err != nil {
			// Encoding cannot succeed on retry either; drop the parking
			// rather than wedging the correlator.
			c.logger.Error("failed to encode resumed continuation", "instance", key, "error", err)
			delete(c.parked, key)
			continue
		}
		if err := c.republish.Publish(ctx, payload); err != nil {
			c.logger.Warn("failed to republish resumed continuation", "instance", key, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		metrics.EventsMatched.Inc()
		c.logger.Info("event resumed instance", "instance", key, "position", p.msg.Position)
		delete(c.parked, key)
	}
	metrics.ListensParked.Set(float64(len(c.parked)))
	return firstErr
}

// offer records the event against the first unsatisfied filter it matches
// and reports whether the wait is now satisfied. Already-satisfied
// parkings (left behind by a failed republish) report true immediately.
func (p *parking) offer(eval *expr.Evaluator, event map[string]any) bool {
	if p.satisfied() {
		return true
	}
	id, _ := event[attrID].(string)
	if id != "" && p.seen[id] {
		return false
	}
	for i, f := range p.wait.Filters {
		if p.done[i] {
			continue
		}
		if !matchFilter(eval, f, event) {
			continue
		}
		p.done[i] = true
		p.values[i] = readValue(p.wait.Read, event)
		if id != "" {
			p.seen[id] = true
		}
		break
	}
	return p.satisfied()
}

func (p *parking) satisfied() bool {
	if p.wait.All {
		for _, d := range p.done {
			if !d {
				return false
			}
		}
		return true
	}
	for _, d := range p.done {
		if d {
			return true
		}
	}
	return false
}

// resume injects the collected value as the listen's raw output and
// encodes the continuation for redelivery.
func (p *parking) resume() ([]byte, error) {
	var value any
	if p.wait.All {
		value = append([]any(nil), p.values...)
	} else {
		for i, d := range p.done {
			if d {
				value = p.values[i]
				break
			}
		}
	}
	st := p.msg.States[p.msg.Position]
	st.SetRawOutput(expr.Normalize(value))
	return p.msg.Encode()
}

// readValue selects what resumes into the task: the event data (default)
// or the whole envelope.
func readValue(read string, event map[string]any) any {
	if read == "envelope" {
		return event
	}
	return event[attrData]
}

// matchFilter checks the resolved with-attributes and correlation rules
// against one event envelope.
func matchFilter(eval *expr.Evaluator, f *Filter, event map[string]any) bool {
	for k, want := range f.With {
		got, ok := event[k]
		if !ok || !equalJSON(got, want) {
			return false
		}
	}
	for _, corr := range f.Correlate {
		if corr == nil || corr.From == "" {
			continue
		}
		got, err := eval.EvalExpr(corr.From, event, nil)
		if err != nil {
			return false
		}
		if corr.Expect != nil && !equalJSON(got, corr.Expect) {
			return false
		}
	}
	return true
}

// equalJSON compares two values structurally through their canonical JSON
// form, which also unifies int and integral float representations.
func equalJSON(a, b any) bool {
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
