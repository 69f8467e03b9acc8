package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openclaw/autoconnect/internal/config"
	"github.com/openclaw/autoconnect/internal/deeplink"
	"github.com/openclaw/autoconnect/internal/dispatch"
	"github.com/openclaw/autoconnect/internal/linkapi"
	"github.com/openclaw/autoconnect/internal/model"
	"github.com/openclaw/autoconnect/internal/notify"
	"github.com/openclaw/autoconnect/internal/repository"
	"github.com/openclaw/autoconnect/internal/retry"
	"github.com/openclaw/autoconnect/internal/service"
)

var (
	errLinkCancelled = errors.New("link cancelled")
	errLinkFailed    = errors.New("link failed")
	errLinkTimedOut  = errors.New("link timed out")
)

type startOptions struct {
	subject  string
	platform string
	metadata string
	noOpen   bool
}

func newStartCommand(dbPath *string) *cobra.Command {
	var opts startOptions

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Issue a link code, open Telegram and wait for confirmation",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			path, err := resolveDBPath(*dbPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			store, closeStore, err := openLocalStore(ctx, path)
			if err != nil {
				return err
			}
			defer closeStore()

			var dispatcher dispatch.Dispatcher = dispatch.SystemOpener{}
			if opts.noOpen {
				dispatcher = dispatch.LogDispatcher{}
			}

			linkClient := linkapi.NewClient(cfg.LinkAPIBaseURL, cfg.LinkAPIToken, cfg.SessionTTL())
			ctrl := newLocalController(cfg, store, linkClient, linkClient, dispatcher)
			defer ctrl.Close()

			req, err := opts.request()
			if err != nil {
				return err
			}
			return runLink(ctx, cmd.OutOrStdout(), ctrl, req)
		},
	}

	cmd.Flags().StringVarP(&opts.subject, "subject", "s", "", "Subject ID the link is issued for")
	cmd.Flags().StringVarP(&opts.platform, "platform", "p", string(model.PlatformDesktop), "Platform class: mobile or desktop")
	cmd.Flags().StringVar(&opts.metadata, "metadata", "", "Extra JSON passed to the link API")
	cmd.Flags().BoolVar(&opts.noOpen, "no-open", false, "Print the links instead of opening them")
	_ = cmd.MarkFlagRequired("subject")

	return cmd
}

func (o startOptions) request() (model.IssueRequest, error) {
	req := model.IssueRequest{
		SubjectID: strings.TrimSpace(o.subject),
		Platform:  model.PlatformClass(strings.ToLower(strings.TrimSpace(o.platform))),
	}
	if req.SubjectID == "" {
		return req, fmt.Errorf("--subject must not be empty")
	}
	if o.metadata != "" {
		if !json.Valid([]byte(o.metadata)) {
			return req, fmt.Errorf("--metadata must be valid JSON")
		}
		req.Metadata = json.RawMessage(o.metadata)
	}
	return req, nil
}

func newLocalController(cfg *config.Config, store repository.SessionStore, issuer linkapi.CodeIssuer, checker linkapi.StatusChecker, dispatcher dispatch.Dispatcher) *service.LinkSessionController {
	return service.NewLinkSessionController(service.ControllerDeps{
		Issuer:  issuer,
		Checker: checker,
		Resolver: deeplink.NewResolver(deeplink.Templates{
			Native:    cfg.NativeLinkTemplate,
			Universal: cfg.UniversalLinkTemplate,
			Fallback:  cfg.FallbackLinkTemplate,
		}),
		Store:      store,
		Sink:       notify.LogSink{},
		Dispatcher: dispatcher,
	}, service.ControllerOptions{
		PollInterval: cfg.PollInterval(),
		PollDeadline: cfg.PollDeadline(),
		SessionTTL:   cfg.SessionTTL(),
		Policy: retry.Policy{
			MaxRetries: cfg.MaxRetries,
			BaseDelay:  cfg.RetryBaseDelay(),
			MaxDelay:   cfg.RetryMaxDelay(),
		},
	})
}

// runLink drives one link flow to a terminal state. Cancelling ctx cancels
// the session.
func runLink(ctx context.Context, out io.Writer, ctrl *service.LinkSessionController, req model.IssueRequest) error {
	events, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()

	handle, err := ctrl.Start(req)
	if err != nil {
		return err
	}

	shownCode := ""
	show := func(s model.LinkSession) {
		if s.State != model.SessionStateAwaitingLink || s.Code == shownCode {
			return
		}
		shownCode = s.Code
		fmt.Fprintf(out, "%s %s\n", bold("Code:"), yellow(s.Code))
		printLinks(out, s.Links)
		fmt.Fprintln(out, gray("Waiting for Telegram to confirm... (Ctrl-C to cancel)"))
	}

	if handle.Existing {
		fmt.Fprintf(out, "%s %s\n", cyan("Resuming session"), gray(handle.Session.ID))
	} else {
		fmt.Fprintln(out, cyan("Requesting link code..."))
	}
	show(handle.Session)

	for {
		select {
		case <-ctx.Done():
			return interrupt(out, ctrl)

		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("controller closed")
			}
			if ev.Type != model.EventStateEntered {
				continue
			}
			show(ev.Session)
			if ev.State.IsTerminal() {
				return finish(out, ev.Session)
			}
		}
	}
}

// interrupt cancels the flow, or reports its outcome when it ended before
// the cancel landed.
func interrupt(out io.Writer, ctrl *service.LinkSessionController) error {
	if err := ctrl.Cancel(); err != nil {
		if s := ctrl.GetState(); s.State.IsTerminal() {
			return finish(out, s)
		}
		return err
	}
	fmt.Fprintln(out, yellow("Cancelled."))
	return errLinkCancelled
}

func finish(out io.Writer, s model.LinkSession) error {
	switch s.State {
	case model.SessionStateLinked:
		who := "your account"
		if s.LinkedIdentity != nil {
			who = s.LinkedIdentity.UserID
			if s.LinkedIdentity.Username != "" {
				who = "@" + s.LinkedIdentity.Username
			}
		}
		fmt.Fprintf(out, "%s %s\n", green("Linked to"), bold(who))
		return nil
	case model.SessionStateTimedOut:
		fmt.Fprintln(out, yellow("Timed out waiting for confirmation."))
		printManualFallback(out, s)
		return errLinkTimedOut
	case model.SessionStateCancelled:
		fmt.Fprintln(out, yellow("Cancelled."))
		return errLinkCancelled
	default:
		msg := "unknown error"
		if s.LastError != nil {
			msg = s.LastError.Message
		}
		fmt.Fprintf(out, "%s %s\n", red("Link failed:"), msg)
		printManualFallback(out, s)
		return errLinkFailed
	}
}
