package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/autoconnect/internal/config"
	"github.com/openclaw/autoconnect/internal/deeplink"
	"github.com/openclaw/autoconnect/internal/dispatch"
	apperrors "github.com/openclaw/autoconnect/internal/errors"
	"github.com/openclaw/autoconnect/internal/linkapi"
	"github.com/openclaw/autoconnect/internal/model"
	"github.com/openclaw/autoconnect/internal/notify"
	"github.com/openclaw/autoconnect/internal/poller"
	"github.com/openclaw/autoconnect/internal/repository"
	"github.com/openclaw/autoconnect/internal/retry"
	"github.com/openclaw/autoconnect/internal/util"
)

const defaultSessionTTL = 24 * time.Hour

var errControllerClosed = apperrors.Conflict("link controller is closed")

// ControllerDeps are the collaborators a controller drives. Resolver, Sink
// and Dispatcher fall back to defaults when nil.
type ControllerDeps struct {
	Issuer     linkapi.CodeIssuer
	Checker    linkapi.StatusChecker
	Resolver   *deeplink.Resolver
	Store      repository.SessionStore
	Sink       notify.Sink
	Dispatcher dispatch.Dispatcher
}

type ControllerOptions struct {
	PollInterval time.Duration
	PollDeadline time.Duration
	// SessionTTL is used when the issuer does not report an expiry.
	SessionTTL time.Duration
	Policy     retry.Policy
	Metrics    *Metrics
}

func DefaultControllerOptions() ControllerOptions {
	return ControllerOptions{
		PollInterval: poller.DefaultInterval,
		PollDeadline: poller.DefaultDeadline,
		SessionTTL:   defaultSessionTTL,
		Policy:       retry.DefaultPolicy(),
	}
}

// Handle is what Start and Retry hand back. Existing is set when Start found
// a session already in flight and did nothing.
type Handle struct {
	Session  model.LinkSession `json:"session"`
	Existing bool              `json:"existing"`
}

// LinkSessionController owns one caller's link session and its state
// machine. All transitions are serialized by mu, persisted, and only then
// published to subscribers.
//
// Background work (issuance, retry delay, polling) is tagged with the
// generation it was started under. Any transition that abandons that work
// bumps the generation, so late results are dropped.
type LinkSessionController struct {
	deps   ControllerDeps
	opts   ControllerOptions
	poller *poller.Poller

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu         sync.Mutex
	session    model.LinkSession
	gen        uint64
	workCancel context.CancelFunc
	subs       map[uint64]chan model.Event
	nextSub    uint64
	closed     bool
	lastActive time.Time
}

// NewLinkSessionController builds a controller and picks up a persisted
// session if one is still awaiting its link.
func NewLinkSessionController(deps ControllerDeps, opts ControllerOptions) *LinkSessionController {
	if deps.Resolver == nil {
		deps.Resolver = deeplink.NewResolver(deeplink.DefaultTemplates())
	}
	if deps.Sink == nil {
		deps.Sink = notify.LogSink{}
	}
	if deps.Dispatcher == nil {
		deps.Dispatcher = dispatch.LogDispatcher{}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = poller.DefaultInterval
	}
	if opts.PollDeadline <= 0 {
		opts.PollDeadline = poller.DefaultDeadline
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = defaultSessionTTL
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	c := &LinkSessionController{
		deps:       deps,
		opts:       opts,
		poller:     poller.New(deps.Checker),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		session:    model.LinkSession{State: model.SessionStateIdle},
		subs:       make(map[uint64]chan model.Event),
		lastActive: time.Now(),
	}
	c.restore()
	return c
}

// Start begins a new link flow and returns immediately; issuance and
// polling continue in the background. While a session is in flight Start
// returns it unchanged.
func (c *LinkSessionController) Start(req model.IssueRequest) (Handle, error) {
	if !req.Platform.Valid() {
		return Handle{}, apperrors.InvalidInput("platform", "must be mobile or desktop")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return Handle{}, errControllerClosed
	}
	if c.session.State.IsActive() {
		return Handle{Session: c.session.Clone(), Existing: true}, nil
	}

	c.session = model.LinkSession{ID: uuid.NewString(), Request: req}
	c.opts.Metrics.sessionStarted()
	c.beginIssuanceLocked(0)

	return Handle{Session: c.session.Clone()}, nil
}

// Cancel abandons the in-flight session. No events fire for it after Cancel
// returns.
func (c *LinkSessionController) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.session.State.IsActive() {
		return apperrors.NoActiveSession()
	}

	c.stopWorkLocked()
	c.session.Code = ""
	c.session.Links = nil
	c.transitionLocked(model.SessionStateCancelled)
	c.notify(model.NotificationInfo, "Telegram linking cancelled.")
	return nil
}

// Retry starts a fresh issuance for a failed session if its attempt budget
// allows. The session keeps its ID; everything issued before is replaced.
func (c *LinkSessionController) Retry() (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return Handle{}, errControllerClosed
	}
	if c.session.State != model.SessionStateFailed {
		return Handle{}, apperrors.Conflict("only a failed session can be retried")
	}
	if c.session.Attempt >= c.opts.Policy.MaxRetries {
		return Handle{}, apperrors.RetryExhausted()
	}

	prev := c.session
	c.session = model.LinkSession{
		ID:      prev.ID,
		Attempt: prev.Attempt + 1,
		Request: prev.Request,
	}
	c.beginIssuanceLocked(0)

	return Handle{Session: c.session.Clone()}, nil
}

// Reset drops any session, in flight or finished, and returns to Idle.
func (c *LinkSessionController) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopWorkLocked()
	c.session = model.LinkSession{State: model.SessionStateIdle, UpdatedAt: time.Now()}
	c.lastActive = time.Now()

	ctx, cancel := storeContext()
	defer cancel()
	err := c.deps.Store.Clear(ctx)

	c.emitLocked(model.EventStateEntered)
	if err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// GetState returns a snapshot of the current session.
func (c *LinkSessionController) GetState() model.LinkSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Clone()
}

// Subscribe registers for events. The channel is buffered; a subscriber that
// falls behind misses events rather than stalling the controller.
func (c *LinkSessionController) Subscribe() (<-chan model.Event, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan model.Event, config.EventBufferSize)
	if c.closed {
		close(ch)
		return ch, func() {}
	}

	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
}

// Close stops background work and closes subscriber channels. The persisted
// record is left alone so a later controller can resume it.
func (c *LinkSessionController) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.stopWorkLocked()
	c.baseCancel()

	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
}

// Evictable reports whether closing the controller loses nothing: no session
// in flight and no subscriber attached.
func (c *LinkSessionController) Evictable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictableLocked()
}

// Inactive reports whether the controller is evictable and nothing has
// happened since cutoff.
func (c *LinkSessionController) Inactive(cutoff time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictableLocked() && c.lastActive.Before(cutoff)
}

func (c *LinkSessionController) evictableLocked() bool {
	return !c.session.State.IsActive() && len(c.subs) == 0
}

func (c *LinkSessionController) restore() {
	ctx, cancel := storeContext()
	defer cancel()

	stored, err := c.deps.Store.Load(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to load persisted link session")
		return
	}
	if stored == nil {
		return
	}

	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case stored.Resumable(now):
		c.resumeLocked(stored.Clone())
	case stored.State == model.SessionStateIssuing && stored.Request.Platform.Valid():
		// No code was issued yet, so issuance starts over under the same
		// session.
		c.session = stored.Clone()
		log.Info().
			Str("sessionId", stored.ID).
			Int("attempt", stored.Attempt).
			Msg("restarting interrupted link code issuance")
		c.beginIssuanceLocked(0)
	case stored.State.IsTerminal() && (stored.ExpiresAt.IsZero() || now.Before(stored.ExpiresAt)):
		// Finished sessions are shown as-is so the manual fallback survives
		// a reload; they are never resumed.
		c.session = stored.Clone()
	default:
		log.Debug().
			Str("sessionId", stored.ID).
			Str("state", string(stored.State)).
			Msg("discarding stale link session")
		if err := c.deps.Store.Clear(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to clear stale link session")
		}
	}
}

func (c *LinkSessionController) resumeLocked(session model.LinkSession) {
	c.session = session
	if c.session.Links == nil {
		links, err := c.deps.Resolver.Resolve(session.Code, session.BotID, session.Request.Platform)
		if err != nil {
			log.Warn().
				Err(err).
				Str("sessionId", session.ID).
				Msg("persisted link session has no usable links")
			c.failLocked(err)
			return
		}
		c.session.Links = &links
	}

	gen, ctx := c.beginWorkLocked()
	c.transitionLocked(model.SessionStateAwaitingLink)

	log.Info().
		Str("sessionId", session.ID).
		Str("code", util.MaskCode(session.Code)).
		Msg("resuming link session")

	c.notify(model.NotificationInfo, "Still waiting for Telegram to confirm the link.")
	c.startPollingLocked(ctx, gen, session.Code)
}

// beginIssuanceLocked enters Issuing and requests a code after delay.
func (c *LinkSessionController) beginIssuanceLocked(delay time.Duration) {
	gen, ctx := c.beginWorkLocked()
	req := c.session.Request
	c.transitionLocked(model.SessionStateIssuing)
	go c.issue(ctx, gen, req, delay)
}

func (c *LinkSessionController) issue(ctx context.Context, gen uint64, req model.IssueRequest, delay time.Duration) {
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}

	issued, err := c.deps.Issuer.IssueLinkCode(ctx, req)

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		log.Debug().Msg("dropping stale issuance result")
		return
	}

	if err != nil {
		c.opts.Metrics.issuance("error")
		c.onIssueErrorLocked(err)
		return
	}
	c.opts.Metrics.issuance("ok")

	links, err := c.deps.Resolver.Resolve(issued.Code, issued.BotID, req.Platform)
	if err != nil {
		c.session.Code = issued.Code
		c.session.BotID = issued.BotID
		c.failLocked(err)
		return
	}

	now := time.Now()
	expiresAt := issued.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(c.opts.SessionTTL)
	}

	c.session.Code = issued.Code
	c.session.BotID = issued.BotID
	c.session.IssuedAt = now
	c.session.ExpiresAt = expiresAt
	c.session.Links = &links
	c.session.LastError = nil
	c.transitionLocked(model.SessionStateAwaitingLink)

	log.Info().
		Str("sessionId", c.session.ID).
		Str("code", util.MaskCode(issued.Code)).
		Int("attempt", c.session.Attempt).
		Msg("link code issued")

	c.notify(model.NotificationInfo, fmt.Sprintf("Opening Telegram to link with @%s.", issued.BotID))
	go c.launch(ctx, links)
	c.startPollingLocked(ctx, gen, issued.Code)
}

func (c *LinkSessionController) onIssueErrorLocked(err error) {
	decision := c.opts.Policy.Next(c.session.Attempt, retry.Classify(err))
	if !decision.ShouldRetry() {
		c.failLocked(err)
		return
	}

	c.session.Attempt++
	c.session.LastError = errorRecord(err)

	log.Warn().
		Err(err).
		Str("sessionId", c.session.ID).
		Int("attempt", c.session.Attempt).
		Dur("delay", decision.Delay).
		Msg("link code issuance failed, retrying")

	c.beginIssuanceLocked(decision.Delay)
}

// launch hands the links to the dispatcher. Its outcome never drives state.
func (c *LinkSessionController) launch(ctx context.Context, links model.DeepLinks) {
	used, err := dispatch.LaunchFirst(ctx, c.deps.Dispatcher, links.All())
	if err != nil {
		log.Warn().Err(err).Msg("deep link dispatch failed, waiting for manual link")
		return
	}
	log.Debug().Str("uri", used).Msg("deep link dispatched")
}

func (c *LinkSessionController) startPollingLocked(ctx context.Context, gen uint64, code string) {
	deadline := c.opts.PollDeadline
	if until := time.Until(c.session.ExpiresAt); until > 0 && until < deadline {
		deadline = until
	}

	results := c.poller.Poll(ctx, code, c.opts.PollInterval, deadline)
	go func() {
		for result := range results {
			c.onPoll(gen, code, result)
		}
	}()
}

func (c *LinkSessionController) onPoll(gen uint64, code string, result model.PollResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || code != c.session.Code || c.session.State != model.SessionStateAwaitingLink {
		log.Debug().
			Str("code", util.MaskCode(code)).
			Str("status", string(result.Status)).
			Msg("dropping stale poll result")
		return
	}
	c.opts.Metrics.poll(result.Status)
	c.lastActive = time.Now()

	switch result.Status {
	case model.PollStatusLinked:
		identity := model.Identity{}
		if result.Identity != nil {
			identity = *result.Identity
		}
		c.stopWorkLocked()
		c.session.LinkedIdentity = &identity
		c.session.LastError = nil
		c.opts.Metrics.linked(c.session.IssuedAt)
		c.transitionLocked(model.SessionStateLinked, model.EventLinked)

		log.Info().
			Str("sessionId", c.session.ID).
			Str("userId", identity.UserID).
			Msg("telegram account linked")

		c.notify(model.NotificationSuccess, "Telegram account linked.")

	case model.PollStatusFatal:
		c.failLocked(result.Err)

	case model.PollStatusTimedOut:
		err := result.Err
		if err == nil {
			err = apperrors.LinkTimeout()
		}
		c.stopWorkLocked()
		c.session.LastError = errorRecord(err)
		c.transitionLocked(model.SessionStateTimedOut, model.EventTimedOut)
		c.notify(model.NotificationWarning, c.manualHint("Telegram did not confirm the link in time."))
	}
}

func (c *LinkSessionController) failLocked(err error) {
	if err == nil {
		err = apperrors.Internal("link failed")
	}
	c.stopWorkLocked()
	c.session.LastError = errorRecord(err)
	c.transitionLocked(model.SessionStateFailed, model.EventFailed)

	log.Warn().
		Err(err).
		Str("sessionId", c.session.ID).
		Int("attempt", c.session.Attempt).
		Msg("link session failed")

	c.notify(model.NotificationError, c.manualHint("Telegram linking failed."))
}

// beginWorkLocked abandons current background work and returns the
// generation and context for the next piece.
func (c *LinkSessionController) beginWorkLocked() (uint64, context.Context) {
	c.stopWorkLocked()
	ctx, cancel := context.WithCancel(c.baseCtx)
	c.workCancel = cancel
	return c.gen, ctx
}

func (c *LinkSessionController) stopWorkLocked() {
	c.gen++
	if c.workCancel != nil {
		c.workCancel()
		c.workCancel = nil
	}
	c.poller.Stop()
}

// transitionLocked moves to state, persists, then emits stateEntered
// followed by any extra events. Terminal states are saved too and stay in
// the store until expiresAt so the code and links remain available for
// manual entry; restore never resumes them.
func (c *LinkSessionController) transitionLocked(state model.SessionState, extra ...model.EventType) {
	now := time.Now()
	c.session.State = state
	c.session.UpdatedAt = now
	c.lastActive = now

	ctx, cancel := storeContext()
	snapshot := c.session.Clone()
	if err := c.deps.Store.Save(ctx, &snapshot); err != nil {
		log.Error().
			Err(err).
			Str("sessionId", c.session.ID).
			Str("state", string(state)).
			Msg("failed to persist link session")
	}
	cancel()

	if state.IsTerminal() {
		c.opts.Metrics.outcome(state)
	}

	c.emitLocked(model.EventStateEntered)
	for _, t := range extra {
		c.emitLocked(t)
	}
}

func (c *LinkSessionController) emitLocked(eventType model.EventType) {
	if len(c.subs) == 0 {
		return
	}
	event := model.Event{Type: eventType, State: c.session.State, Session: c.session.Clone()}
	for id, ch := range c.subs {
		select {
		case ch <- event:
		default:
			log.Warn().
				Uint64("subscriber", id).
				Str("event", string(eventType)).
				Msg("subscriber buffer full, dropping event")
		}
	}
}

func (c *LinkSessionController) notify(kind model.NotificationKind, message string) {
	go c.deps.Sink.Show(kind, message)
}

// manualHint appends the manual entry instructions when a code is known.
func (c *LinkSessionController) manualHint(message string) string {
	if c.session.Code == "" || c.session.BotID == "" {
		return message
	}
	return fmt.Sprintf("%s Open @%s in Telegram and send /start %s to link manually.",
		message, c.session.BotID, c.session.Code)
}

func errorRecord(err error) *model.ErrorRecord {
	rec := &model.ErrorRecord{Code: string(apperrors.ErrCodeInternal), Message: err.Error(), At: time.Now()}
	if appErr, ok := apperrors.AsAppError(err); ok {
		rec.Code = string(appErr.Code)
		rec.Message = appErr.Message
	}
	return rec
}

func storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), config.StoreOpTimeout)
}
