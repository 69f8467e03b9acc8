package poller

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/autoconnect/internal/errors"
	"github.com/openclaw/autoconnect/internal/linkapi"
	"github.com/openclaw/autoconnect/internal/model"
	"github.com/openclaw/autoconnect/internal/util"
)

const (
	DefaultInterval = 3 * time.Second
	DefaultDeadline = 60 * time.Second
)

// Poller owns at most one polling loop at a time.
type Poller struct {
	checker linkapi.StatusChecker

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(checker linkapi.StatusChecker) *Poller {
	return &Poller{checker: checker}
}

// Poll starts checking code immediately and then once per interval. The
// returned channel yields every result and is closed when the loop ends:
// after a Linked or fatal result, after a synthetic TimedOut once deadline
// elapses, or silently after Stop. A running loop is stopped first.
func (p *Poller) Poll(ctx context.Context, code string, interval, deadline time.Duration) <-chan model.PollResult {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if deadline <= 0 {
		deadline = DefaultDeadline
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopLocked()

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	results := make(chan model.PollResult)
	p.cancel = cancel
	p.done = done

	go p.run(loopCtx, code, interval, deadline, results, done)

	return results
}

// Stop ends the current loop. Results produced after Stop are discarded.
// Safe to call any number of times.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

// Done is closed once the most recent loop has exited.
func (p *Poller) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return p.done
}

func (p *Poller) stopLocked() {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

func (p *Poller) run(
	ctx context.Context,
	code string,
	interval, deadline time.Duration,
	results chan<- model.PollResult,
	done chan struct{},
) {
	defer close(done)
	defer close(results)

	deadlineCtx, cancelDeadline := context.WithTimeout(ctx, deadline)
	defer cancelDeadline()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	polls := 0

	for {
		polls++
		result := p.check(deadlineCtx, code)

		if ctx.Err() != nil {
			return
		}
		if result.Status == model.PollStatusLinked {
			p.emit(ctx, results, result)
			return
		}
		if deadlineCtx.Err() != nil {
			p.emit(ctx, results, timedOut(code, polls, start))
			return
		}
		if !p.emit(ctx, results, result) {
			return
		}
		if result.Status == model.PollStatusFatal {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-deadlineCtx.Done():
			if ctx.Err() != nil {
				return
			}
			p.emit(ctx, results, timedOut(code, polls, start))
			return
		case <-ticker.C:
		}
	}
}

func (p *Poller) check(ctx context.Context, code string) model.PollResult {
	status, err := p.checker.CheckLinkStatus(ctx, code)
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeFatalPoll) || apperrors.HasCode(err, apperrors.ErrCodeInvalidCode) {
			return model.PollResult{Status: model.PollStatusFatal, Err: err}
		}
		log.Warn().
			Err(err).
			Str("code", util.MaskCode(code)).
			Msg("link status check failed, will retry")
		return model.PollResult{Status: model.PollStatusTransient, Err: err}
	}
	if status != nil && status.Linked {
		return model.PollResult{Status: model.PollStatusLinked, Identity: status.Identity}
	}
	return model.PollResult{Status: model.PollStatusPending}
}

func (p *Poller) emit(ctx context.Context, results chan<- model.PollResult, result model.PollResult) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case results <- result:
		return true
	case <-ctx.Done():
		return false
	}
}

func timedOut(code string, polls int, start time.Time) model.PollResult {
	log.Info().
		Str("code", util.MaskCode(code)).
		Int("polls", polls).
		Dur("elapsed", time.Since(start)).
		Msg("link status polling deadline reached")
	return model.PollResult{Status: model.PollStatusTimedOut, Err: apperrors.LinkTimeout()}
}
