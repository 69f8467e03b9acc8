package handler

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/autoconnect/internal/middleware"
	"github.com/openclaw/autoconnect/internal/model"
	"github.com/openclaw/autoconnect/internal/repository"
	"github.com/openclaw/autoconnect/internal/retry"
	"github.com/openclaw/autoconnect/internal/service"
	"github.com/openclaw/autoconnect/internal/sse"
)

const testOwner = "owner-test"

type stubIssuer struct {
	calls atomic.Int32
	err   error
}

func (s *stubIssuer) IssueLinkCode(ctx context.Context, req model.IssueRequest) (*model.IssuedCode, error) {
	n := s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	code := "code" + string(rune('0'+n))
	return &model.IssuedCode{Code: code, BotID: "demo_bot", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

type stubChecker struct {
	linked atomic.Bool
}

func (s *stubChecker) CheckLinkStatus(ctx context.Context, code string) (*model.LinkStatus, error) {
	if s.linked.Load() {
		return &model.LinkStatus{Linked: true, Identity: &model.Identity{UserID: "42"}}, nil
	}
	return &model.LinkStatus{}, nil
}

type testEnv struct {
	registry *service.Registry
	broker   *sse.Broker
	issuer   *stubIssuer
	checker  *stubChecker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		broker:  sse.NewBroker(nil),
		issuer:  &stubIssuer{},
		checker: &stubChecker{},
	}
	repo := repository.NewMemoryLinkSessionRepository()
	registry, err := service.NewRegistry(8, func(ownerKey string) *service.LinkSessionController {
		return service.NewLinkSessionController(service.ControllerDeps{
			Issuer:  env.issuer,
			Checker: env.checker,
			Store:   repository.ForOwner(repo, ownerKey),
		}, service.ControllerOptions{
			PollInterval: 5 * time.Millisecond,
			PollDeadline: time.Second,
			Policy:       retry.Policy{MaxRetries: 1, BaseDelay: time.Millisecond},
		})
	}, nil)
	require.NoError(t, err)
	env.registry = registry

	t.Cleanup(func() {
		registry.Close()
		env.broker.Close()
	})
	return env
}

func (e *testEnv) router() http.Handler {
	r := chi.NewRouter()
	r.Use(withOwner(testOwner))
	r.Get("/v1/link/events", NewEventsHandler(e.registry, e.broker).ServeHTTP)
	r.Mount("/v1/link", NewLinkHandler(e.registry, nil).Routes())
	return r
}

func withOwner(ownerKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), middleware.OwnerKeyContextKey, ownerKey)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
