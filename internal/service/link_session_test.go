package service

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/autoconnect/internal/deeplink"
	apperrors "github.com/openclaw/autoconnect/internal/errors"
	"github.com/openclaw/autoconnect/internal/model"
	"github.com/openclaw/autoconnect/internal/repository"
	"github.com/openclaw/autoconnect/internal/retry"
)

const (
	waitFor = 2 * time.Second
	tick    = 2 * time.Millisecond
)

type issuerFunc func(ctx context.Context, req model.IssueRequest) (*model.IssuedCode, error)

type fakeIssuer struct {
	calls atomic.Int32
	fn    issuerFunc
}

func (f *fakeIssuer) IssueLinkCode(ctx context.Context, req model.IssueRequest) (*model.IssuedCode, error) {
	f.calls.Add(1)
	return f.fn(ctx, req)
}

func issueCodes(codes ...string) *fakeIssuer {
	var n atomic.Int32
	return &fakeIssuer{fn: func(ctx context.Context, req model.IssueRequest) (*model.IssuedCode, error) {
		i := int(n.Add(1)) - 1
		if i >= len(codes) {
			i = len(codes) - 1
		}
		return &model.IssuedCode{Code: codes[i], BotID: "demo_bot", ExpiresAt: time.Now().Add(24 * time.Hour)}, nil
	}}
}

type fakeChecker struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(ctx context.Context, code string, call int) (*model.LinkStatus, error)
}

func newChecker(fn func(ctx context.Context, code string, call int) (*model.LinkStatus, error)) *fakeChecker {
	return &fakeChecker{calls: make(map[string]int), fn: fn}
}

func (f *fakeChecker) CheckLinkStatus(ctx context.Context, code string) (*model.LinkStatus, error) {
	f.mu.Lock()
	f.calls[code]++
	call := f.calls[code]
	f.mu.Unlock()
	return f.fn(ctx, code, call)
}

func (f *fakeChecker) count(code string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[code]
}

func alwaysPending(ctx context.Context, code string, call int) (*model.LinkStatus, error) {
	return &model.LinkStatus{}, nil
}

type recordingDispatcher struct {
	mu       sync.Mutex
	launched []string
}

func (d *recordingDispatcher) Launch(ctx context.Context, uri string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.launched = append(d.launched, uri)
	return nil
}

func (d *recordingDispatcher) uris() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.launched...)
}

type recordingSink struct {
	mu    sync.Mutex
	shown []model.Notification
}

func (s *recordingSink) Show(kind model.NotificationKind, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shown = append(s.shown, model.Notification{Kind: kind, Message: message})
}

func (s *recordingSink) find(kind model.NotificationKind) (model.Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.shown {
		if n.Kind == kind {
			return n, true
		}
	}
	return model.Notification{}, false
}

type harness struct {
	repo       repository.LinkSessionRepository
	store      repository.SessionStore
	issuer     *fakeIssuer
	checker    *fakeChecker
	dispatcher *recordingDispatcher
	sink       *recordingSink
	opts       ControllerOptions
}

func newHarness(issuer *fakeIssuer, checker *fakeChecker) *harness {
	repo := repository.NewMemoryLinkSessionRepository()
	return &harness{
		repo:       repo,
		store:      repository.ForOwner(repo, "owner-1"),
		issuer:     issuer,
		checker:    checker,
		dispatcher: &recordingDispatcher{},
		sink:       &recordingSink{},
		opts: ControllerOptions{
			PollInterval: 5 * time.Millisecond,
			PollDeadline: time.Second,
			Policy:       retry.Policy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond},
		},
	}
}

func (h *harness) controller(t *testing.T) *LinkSessionController {
	t.Helper()
	c := NewLinkSessionController(ControllerDeps{
		Issuer:     h.issuer,
		Checker:    h.checker,
		Resolver:   deeplink.NewResolver(deeplink.Templates{Native: "app://{bot}?start={code}"}),
		Store:      h.store,
		Sink:       h.sink,
		Dispatcher: h.dispatcher,
	}, h.opts)
	t.Cleanup(c.Close)
	return c
}

func mobileRequest() model.IssueRequest {
	return model.IssueRequest{SubjectID: "subject-1", Platform: model.PlatformMobile}
}

func waitForState(t *testing.T, c *LinkSessionController, state model.SessionState) model.LinkSession {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.GetState().State == state
	}, waitFor, tick, "state never became %s (now %s)", state, c.GetState().State)
	return c.GetState()
}

func waitForEvent(t *testing.T, events <-chan model.Event, eventType model.EventType) model.Event {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "event stream closed before %s", eventType)
			if ev.Type == eventType {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", eventType)
		}
	}
}

func TestLinkSessionController_EndToEnd(t *testing.T) {
	checker := newChecker(func(ctx context.Context, code string, call int) (*model.LinkStatus, error) {
		if code == "abc123" && call >= 4 {
			return &model.LinkStatus{Linked: true, Identity: &model.Identity{UserID: "42"}}, nil
		}
		return &model.LinkStatus{}, nil
	})
	h := newHarness(issueCodes("abc123"), checker)
	c := h.controller(t)

	events, unsubscribe := c.Subscribe()
	defer unsubscribe()

	handle, err := c.Start(mobileRequest())
	require.NoError(t, err)
	assert.False(t, handle.Existing)
	assert.NotEmpty(t, handle.Session.ID)
	assert.Equal(t, model.SessionStateIssuing, handle.Session.State)

	awaiting := waitForEvent(t, events, model.EventStateEntered)
	for awaiting.State != model.SessionStateAwaitingLink {
		awaiting = waitForEvent(t, events, model.EventStateEntered)
	}
	require.NotNil(t, awaiting.Session.Links)
	assert.Equal(t, "app://demo_bot?start=abc123", awaiting.Session.Links.Primary)
	require.Len(t, awaiting.Session.Links.Secondary, 2)
	for _, link := range awaiting.Session.Links.Secondary {
		assert.Contains(t, link, "abc123")
	}

	linked := waitForEvent(t, events, model.EventLinked)
	require.NotNil(t, linked.Session.LinkedIdentity)
	assert.Equal(t, "42", linked.Session.LinkedIdentity.UserID)
	assert.Equal(t, model.SessionStateLinked, linked.State)

	stored, err := h.store.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, model.SessionStateLinked, stored.State)
	assert.Equal(t, "abc123", stored.Code)

	assert.Eventually(t, func() bool {
		uris := h.dispatcher.uris()
		return len(uris) == 1 && uris[0] == "app://demo_bot?start=abc123"
	}, waitFor, tick)
	assert.Eventually(t, func() bool {
		_, ok := h.sink.find(model.NotificationSuccess)
		return ok
	}, waitFor, tick)
	assert.Equal(t, int32(1), h.issuer.calls.Load())
}

func TestLinkSessionController_SingleActiveSession(t *testing.T) {
	release := make(chan struct{})
	issuer := &fakeIssuer{fn: func(ctx context.Context, req model.IssueRequest) (*model.IssuedCode, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &model.IssuedCode{Code: "only1", BotID: "demo_bot"}, nil
	}}
	h := newHarness(issuer, newChecker(alwaysPending))
	c := h.controller(t)

	first, err := c.Start(mobileRequest())
	require.NoError(t, err)

	second, err := c.Start(mobileRequest())
	require.NoError(t, err)
	assert.True(t, second.Existing)
	assert.Equal(t, first.Session.ID, second.Session.ID)

	close(release)
	waitForState(t, c, model.SessionStateAwaitingLink)

	third, err := c.Start(mobileRequest())
	require.NoError(t, err)
	assert.True(t, third.Existing)
	assert.Equal(t, "only1", third.Session.Code)
	assert.Equal(t, int32(1), issuer.calls.Load())
}

func TestLinkSessionController_StartValidatesPlatform(t *testing.T) {
	h := newHarness(issueCodes("x"), newChecker(alwaysPending))
	c := h.controller(t)

	_, err := c.Start(model.IssueRequest{Platform: "tv"})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))
	assert.Equal(t, model.SessionStateIdle, c.GetState().State)
	assert.Equal(t, int32(0), h.issuer.calls.Load())
}

func TestLinkSessionController_ResumesPersistedSession(t *testing.T) {
	h := newHarness(issueCodes("never"), newChecker(alwaysPending))
	now := time.Now()
	require.NoError(t, h.store.Save(context.Background(), &model.LinkSession{
		ID:        "persisted",
		Code:      "resume1",
		BotID:     "demo_bot",
		IssuedAt:  now.Add(-time.Minute),
		ExpiresAt: now.Add(time.Hour),
		State:     model.SessionStateAwaitingLink,
		Request:   mobileRequest(),
		UpdatedAt: now.Add(-time.Minute),
	}))

	c := h.controller(t)

	state := c.GetState()
	assert.Equal(t, model.SessionStateAwaitingLink, state.State)
	assert.Equal(t, "resume1", state.Code)
	require.NotNil(t, state.Links)
	assert.Equal(t, "app://demo_bot?start=resume1", state.Links.Primary)

	assert.Eventually(t, func() bool { return h.checker.count("resume1") > 0 }, waitFor, tick)

	handle, err := c.Start(mobileRequest())
	require.NoError(t, err)
	assert.True(t, handle.Existing)
	assert.Equal(t, "persisted", handle.Session.ID)
	assert.Equal(t, int32(0), h.issuer.calls.Load())
}

func TestLinkSessionController_IgnoresExpiredSession(t *testing.T) {
	h := newHarness(issueCodes("fresh1"), newChecker(alwaysPending))
	now := time.Now()
	require.NoError(t, h.repo.Save(context.Background(), "owner-1", &model.LinkSession{
		ID:        "old",
		Code:      "stale1",
		BotID:     "demo_bot",
		ExpiresAt: now.Add(-time.Minute),
		State:     model.SessionStateAwaitingLink,
		Request:   mobileRequest(),
	}))

	c := h.controller(t)
	assert.Equal(t, model.SessionStateIdle, c.GetState().State)

	_, err := c.Start(mobileRequest())
	require.NoError(t, err)

	state := waitForState(t, c, model.SessionStateAwaitingLink)
	assert.Equal(t, "fresh1", state.Code)
	assert.NotEqual(t, "old", state.ID)
	assert.Zero(t, h.checker.count("stale1"))
}

func TestLinkSessionController_TerminalSessionNotResumed(t *testing.T) {
	h := newHarness(issueCodes("fresh2"), newChecker(alwaysPending))
	require.NoError(t, h.store.Save(context.Background(), &model.LinkSession{
		ID:        "done",
		Code:      "old2",
		BotID:     "demo_bot",
		ExpiresAt: time.Now().Add(time.Hour),
		State:     model.SessionStateTimedOut,
		Request:   mobileRequest(),
	}))

	c := h.controller(t)
	assert.Equal(t, model.SessionStateTimedOut, c.GetState().State)

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, h.checker.count("old2"))

	handle, err := c.Start(mobileRequest())
	require.NoError(t, err)
	assert.False(t, handle.Existing)
	assert.Equal(t, 0, handle.Session.Attempt)
	assert.Equal(t, "fresh2", waitForState(t, c, model.SessionStateAwaitingLink).Code)
}

func TestLinkSessionController_Deadline(t *testing.T) {
	h := newHarness(issueCodes("slow1"), newChecker(alwaysPending))
	h.opts.PollDeadline = 40 * time.Millisecond
	c := h.controller(t)

	events, unsubscribe := c.Subscribe()
	defer unsubscribe()

	started := time.Now()
	_, err := c.Start(mobileRequest())
	require.NoError(t, err)

	ev := waitForEvent(t, events, model.EventTimedOut)
	assert.GreaterOrEqual(t, time.Since(started), 40*time.Millisecond)
	assert.Equal(t, model.SessionStateTimedOut, ev.State)
	require.NotNil(t, ev.Session.LastError)
	assert.Equal(t, string(apperrors.ErrCodeLinkTimeout), ev.Session.LastError.Code)
	assert.Equal(t, "slow1", ev.Session.Code)
	require.NotNil(t, ev.Session.Links)

	polls := h.checker.count("slow1")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, polls, h.checker.count("slow1"))

	assert.Eventually(t, func() bool {
		n, ok := h.sink.find(model.NotificationWarning)
		return ok && strings.Contains(n.Message, "/start slow1")
	}, waitFor, tick)
}

func TestLinkSessionController_StaleResultRejected(t *testing.T) {
	releaseA := make(chan struct{})
	checker := newChecker(func(ctx context.Context, code string, call int) (*model.LinkStatus, error) {
		if code == "codeA" {
			<-releaseA
			return &model.LinkStatus{Linked: true, Identity: &model.Identity{UserID: "intruder"}}, nil
		}
		return &model.LinkStatus{}, nil
	})
	h := newHarness(issueCodes("codeA", "codeB"), checker)
	c := h.controller(t)

	_, err := c.Start(mobileRequest())
	require.NoError(t, err)
	waitForState(t, c, model.SessionStateAwaitingLink)
	require.Eventually(t, func() bool { return checker.count("codeA") > 0 }, waitFor, tick)

	require.NoError(t, c.Cancel())
	_, err = c.Start(mobileRequest())
	require.NoError(t, err)
	require.Equal(t, "codeB", waitForState(t, c, model.SessionStateAwaitingLink).Code)

	close(releaseA)
	time.Sleep(30 * time.Millisecond)

	state := c.GetState()
	assert.Equal(t, model.SessionStateAwaitingLink, state.State)
	assert.Equal(t, "codeB", state.Code)
	assert.Nil(t, state.LinkedIdentity)
}

func TestLinkSessionController_StalePollResultFromOldGeneration(t *testing.T) {
	h := newHarness(issueCodes("codeA", "codeB"), newChecker(alwaysPending))
	c := h.controller(t)

	_, err := c.Start(mobileRequest())
	require.NoError(t, err)
	waitForState(t, c, model.SessionStateAwaitingLink)

	c.mu.Lock()
	oldGen := c.gen
	c.mu.Unlock()

	require.NoError(t, c.Cancel())
	_, err = c.Start(mobileRequest())
	require.NoError(t, err)
	waitForState(t, c, model.SessionStateAwaitingLink)

	c.onPoll(oldGen, "codeA", model.PollResult{
		Status:   model.PollStatusLinked,
		Identity: &model.Identity{UserID: "intruder"},
	})

	state := c.GetState()
	assert.Equal(t, model.SessionStateAwaitingLink, state.State)
	assert.Equal(t, "codeB", state.Code)
}

func TestLinkSessionController_RetryBudgetExhausted(t *testing.T) {
	issuer := &fakeIssuer{fn: func(ctx context.Context, req model.IssueRequest) (*model.IssuedCode, error) {
		return nil, apperrors.IssuanceFailed(assert.AnError)
	}}
	h := newHarness(issuer, newChecker(alwaysPending))
	c := h.controller(t)

	events, unsubscribe := c.Subscribe()
	defer unsubscribe()

	_, err := c.Start(mobileRequest())
	require.NoError(t, err)

	ev := waitForEvent(t, events, model.EventFailed)
	assert.Equal(t, int32(4), issuer.calls.Load())
	assert.Equal(t, 3, ev.Session.Attempt)
	require.NotNil(t, ev.Session.LastError)
	assert.Equal(t, string(apperrors.ErrCodeIssuanceFailed), ev.Session.LastError.Code)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(4), issuer.calls.Load())

	_, err = c.Retry()
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeRetryExhausted))
}

func TestLinkSessionController_RejectedIssuanceNotRetried(t *testing.T) {
	issuer := &fakeIssuer{fn: func(ctx context.Context, req model.IssueRequest) (*model.IssuedCode, error) {
		return nil, apperrors.IssuanceRejected("subject unknown")
	}}
	h := newHarness(issuer, newChecker(alwaysPending))
	c := h.controller(t)

	_, err := c.Start(mobileRequest())
	require.NoError(t, err)

	state := waitForState(t, c, model.SessionStateFailed)
	assert.Equal(t, int32(1), issuer.calls.Load())
	assert.Equal(t, 0, state.Attempt)
	assert.Equal(t, string(apperrors.ErrCodeIssuanceRejected), state.LastError.Code)
}

func TestLinkSessionController_EmptyCodeFails(t *testing.T) {
	h := newHarness(issueCodes(""), newChecker(alwaysPending))
	c := h.controller(t)

	_, err := c.Start(mobileRequest())
	require.NoError(t, err)

	state := waitForState(t, c, model.SessionStateFailed)
	require.NotNil(t, state.LastError)
	assert.Equal(t, string(apperrors.ErrCodeInvalidCode), state.LastError.Code)
	assert.Equal(t, 0, state.Attempt)
	assert.Equal(t, int32(1), h.issuer.calls.Load())

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.dispatcher.uris())
	assert.Zero(t, h.checker.count(""))
}

func TestLinkSessionController_FatalPollFailsWithManualFallback(t *testing.T) {
	checker := newChecker(func(ctx context.Context, code string, call int) (*model.LinkStatus, error) {
		return nil, apperrors.FatalPoll("EXPIRED_CODE")
	})
	h := newHarness(issueCodes("dead1"), checker)
	c := h.controller(t)

	_, err := c.Start(mobileRequest())
	require.NoError(t, err)

	state := waitForState(t, c, model.SessionStateFailed)
	assert.Equal(t, string(apperrors.ErrCodeFatalPoll), state.LastError.Code)
	assert.Equal(t, "dead1", state.Code)
	require.NotNil(t, state.Links)
	assert.Equal(t, 1, checker.count("dead1"))

	assert.Eventually(t, func() bool {
		n, ok := h.sink.find(model.NotificationError)
		return ok && strings.Contains(n.Message, "@demo_bot") && strings.Contains(n.Message, "dead1")
	}, waitFor, tick)
}

func TestLinkSessionController_TransientErrorsKeepPolling(t *testing.T) {
	checker := newChecker(func(ctx context.Context, code string, call int) (*model.LinkStatus, error) {
		if call < 3 {
			return nil, apperrors.TransientPoll(assert.AnError)
		}
		return &model.LinkStatus{Linked: true, Identity: &model.Identity{UserID: "7"}}, nil
	})
	h := newHarness(issueCodes("flaky1"), checker)
	c := h.controller(t)

	_, err := c.Start(mobileRequest())
	require.NoError(t, err)

	state := waitForState(t, c, model.SessionStateLinked)
	assert.Equal(t, 0, state.Attempt)
	assert.Equal(t, "7", state.LinkedIdentity.UserID)
	assert.Equal(t, int32(1), h.issuer.calls.Load())
}

func TestLinkSessionController_Cancel(t *testing.T) {
	h := newHarness(issueCodes("cancel1"), newChecker(alwaysPending))
	c := h.controller(t)

	assert.True(t, apperrors.HasCode(c.Cancel(), apperrors.ErrCodeNoActiveSession))

	events, unsubscribe := c.Subscribe()
	defer unsubscribe()

	_, err := c.Start(mobileRequest())
	require.NoError(t, err)
	waitForState(t, c, model.SessionStateAwaitingLink)

	require.NoError(t, c.Cancel())

	state := c.GetState()
	assert.Equal(t, model.SessionStateCancelled, state.State)
	assert.Empty(t, state.Code)
	assert.Nil(t, state.Links)

	var last model.Event
	for drained := false; !drained; {
		select {
		case ev := <-events:
			last = ev
		default:
			drained = true
		}
	}
	assert.Equal(t, model.SessionStateCancelled, last.State)

	polls := h.checker.count("cancel1")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, polls, h.checker.count("cancel1"))
	select {
	case ev := <-events:
		t.Fatalf("unexpected event after cancel: %s %s", ev.Type, ev.State)
	default:
	}

	stored, err := h.store.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, model.SessionStateCancelled, stored.State)

	assert.True(t, apperrors.HasCode(c.Cancel(), apperrors.ErrCodeNoActiveSession))
}

func TestLinkSessionController_CancelDuringIssuance(t *testing.T) {
	issuer := &fakeIssuer{fn: func(ctx context.Context, req model.IssueRequest) (*model.IssuedCode, error) {
		<-ctx.Done()
		return &model.IssuedCode{Code: "late1", BotID: "demo_bot"}, nil
	}}
	h := newHarness(issuer, newChecker(alwaysPending))
	c := h.controller(t)

	_, err := c.Start(mobileRequest())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return issuer.calls.Load() == 1 }, waitFor, tick)

	require.NoError(t, c.Cancel())
	time.Sleep(20 * time.Millisecond)

	state := c.GetState()
	assert.Equal(t, model.SessionStateCancelled, state.State)
	assert.Empty(t, state.Code)
	assert.Zero(t, h.checker.count("late1"))
}

func TestLinkSessionController_RetryAfterFailure(t *testing.T) {
	checker := newChecker(func(ctx context.Context, code string, call int) (*model.LinkStatus, error) {
		if code == "first1" {
			return nil, apperrors.FatalPoll("INVALID_CODE")
		}
		return &model.LinkStatus{}, nil
	})
	h := newHarness(issueCodes("first1", "second1"), checker)
	c := h.controller(t)

	_, err := c.Retry()
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConflict))

	handle, err := c.Start(mobileRequest())
	require.NoError(t, err)
	failed := waitForState(t, c, model.SessionStateFailed)

	retried, err := c.Retry()
	require.NoError(t, err)
	assert.Equal(t, handle.Session.ID, retried.Session.ID)
	assert.Equal(t, 1, retried.Session.Attempt)
	assert.Empty(t, retried.Session.Code)

	state := waitForState(t, c, model.SessionStateAwaitingLink)
	assert.Equal(t, "second1", state.Code)
	assert.NotEqual(t, failed.Code, state.Code)
	assert.Nil(t, state.LastError)
	assert.Equal(t, int32(2), h.issuer.calls.Load())
}

func TestLinkSessionController_Reset(t *testing.T) {
	h := newHarness(issueCodes("reset1"), newChecker(alwaysPending))
	c := h.controller(t)

	_, err := c.Start(mobileRequest())
	require.NoError(t, err)
	waitForState(t, c, model.SessionStateAwaitingLink)

	require.NoError(t, c.Reset())
	assert.Equal(t, model.SessionStateIdle, c.GetState().State)

	stored, err := h.store.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, stored)

	polls := h.checker.count("reset1")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, polls, h.checker.count("reset1"))
}

func TestLinkSessionController_CloseKeepsSessionResumable(t *testing.T) {
	h := newHarness(issueCodes("keep1"), newChecker(alwaysPending))
	c := h.controller(t)

	events, _ := c.Subscribe()

	_, err := c.Start(mobileRequest())
	require.NoError(t, err)
	waitForState(t, c, model.SessionStateAwaitingLink)

	c.Close()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-events:
			return !ok
		default:
			return false
		}
	}, waitFor, tick)

	_, err = c.Start(mobileRequest())
	assert.Error(t, err)

	next := h.controller(t)
	state := next.GetState()
	assert.Equal(t, model.SessionStateAwaitingLink, state.State)
	assert.Equal(t, "keep1", state.Code)
	assert.Equal(t, int32(1), h.issuer.calls.Load())
}

type recordingStore struct {
	repository.SessionStore
	mu     sync.Mutex
	states []model.SessionState
}

func (s *recordingStore) Save(ctx context.Context, session *model.LinkSession) error {
	s.mu.Lock()
	s.states = append(s.states, session.State)
	s.mu.Unlock()
	return s.SessionStore.Save(ctx, session)
}

func (s *recordingStore) saved() []model.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.SessionState(nil), s.states...)
}

func TestLinkSessionController_PersistsBeforeEmitting(t *testing.T) {
	checker := newChecker(func(ctx context.Context, code string, call int) (*model.LinkStatus, error) {
		return &model.LinkStatus{Linked: true, Identity: &model.Identity{UserID: "1"}}, nil
	})
	h := newHarness(issueCodes("order1"), checker)
	store := &recordingStore{SessionStore: h.store}
	h.store = store
	c := h.controller(t)

	events, unsubscribe := c.Subscribe()
	defer unsubscribe()

	_, err := c.Start(mobileRequest())
	require.NoError(t, err)

	var seen []model.SessionState
	for {
		ev := waitForEvent(t, events, model.EventStateEntered)
		seen = append(seen, ev.State)
		assert.GreaterOrEqual(t, len(store.saved()), len(seen), "event %s emitted before persistence", ev.State)
		if ev.State == model.SessionStateLinked {
			break
		}
	}

	assert.Equal(t, []model.SessionState{
		model.SessionStateIssuing,
		model.SessionStateAwaitingLink,
		model.SessionStateLinked,
	}, seen)
	assert.Equal(t, seen, store.saved())
}

func TestLinkSessionController_Inactive(t *testing.T) {
	h := newHarness(issueCodes("idle1"), newChecker(alwaysPending))
	c := h.controller(t)

	assert.True(t, c.Inactive(time.Now().Add(time.Second)))
	assert.False(t, c.Inactive(time.Now().Add(-time.Hour)))

	_, unsubscribe := c.Subscribe()
	assert.False(t, c.Inactive(time.Now().Add(time.Second)))
	unsubscribe()

	_, err := c.Start(mobileRequest())
	require.NoError(t, err)
	waitForState(t, c, model.SessionStateAwaitingLink)
	assert.False(t, c.Inactive(time.Now().Add(time.Second)))
}

func TestLinkSessionController_RestartsInterruptedIssuance(t *testing.T) {
	h := newHarness(issueCodes("again1"), newChecker(alwaysPending))
	now := time.Now()
	require.NoError(t, h.store.Save(context.Background(), &model.LinkSession{
		ID:        "interrupted",
		State:     model.SessionStateIssuing,
		Attempt:   1,
		Request:   mobileRequest(),
		UpdatedAt: now,
	}))

	c := h.controller(t)

	state := waitForState(t, c, model.SessionStateAwaitingLink)
	assert.Equal(t, "interrupted", state.ID)
	assert.Equal(t, "again1", state.Code)
	assert.Equal(t, 1, state.Attempt)
	assert.Equal(t, int32(1), h.issuer.calls.Load())

	stored, err := h.store.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, model.SessionStateAwaitingLink, stored.State)
}

func TestLinkSessionController_ResumeWithoutLinksFails(t *testing.T) {
	h := newHarness(issueCodes("never"), newChecker(alwaysPending))
	now := time.Now()
	require.NoError(t, h.store.Save(context.Background(), &model.LinkSession{
		ID:        "broken",
		Code:      "orphan1",
		ExpiresAt: now.Add(time.Hour),
		State:     model.SessionStateAwaitingLink,
		Request:   mobileRequest(),
		UpdatedAt: now,
	}))

	c := h.controller(t)

	state := c.GetState()
	assert.Equal(t, model.SessionStateFailed, state.State)
	require.NotNil(t, state.LastError)
	assert.Equal(t, string(apperrors.ErrCodeMissingRequired), state.LastError.Code)
	assert.Equal(t, "orphan1", state.Code)
	assert.Zero(t, h.checker.count("orphan1"))
}
