package dispatch

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/autoconnect/internal/sse"
)

const EventLaunch = "launch"

// Dispatcher is best effort: a nil error does not mean the link was opened.
type Dispatcher interface {
	Launch(ctx context.Context, uri string) error
}

// LaunchFirst tries each link in priority order until one dispatch call
// succeeds. It returns the link that was handed off, if any.
func LaunchFirst(ctx context.Context, d Dispatcher, links []string) (string, error) {
	var lastErr error
	for _, link := range links {
		if err := d.Launch(ctx, link); err != nil {
			lastErr = err
			log.Debug().Err(err).Str("uri", link).Msg("launch attempt failed")
			continue
		}
		return link, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no links to launch")
	}
	return "", lastErr
}

// LogDispatcher only records the link; a human is expected to open it.
type LogDispatcher struct{}

func (LogDispatcher) Launch(ctx context.Context, uri string) error {
	log.Info().Str("uri", uri).Msg("open this link to finish linking")
	return nil
}

// BrokerDispatcher asks the owner's browser tabs to navigate to the link.
type BrokerDispatcher struct {
	broker   *sse.Broker
	ownerKey string
}

func NewBrokerDispatcher(broker *sse.Broker, ownerKey string) *BrokerDispatcher {
	return &BrokerDispatcher{broker: broker, ownerKey: ownerKey}
}

func (d *BrokerDispatcher) Launch(ctx context.Context, uri string) error {
	return d.broker.PublishJSON(ctx, d.ownerKey, EventLaunch, map[string]string{"uri": uri})
}

// SystemOpener hands the link to the desktop's default URL handler.
type SystemOpener struct {
	// Wait bounds how long the opener process may run.
	Wait time.Duration
}

func (o SystemOpener) Launch(ctx context.Context, uri string) error {
	name, args := openCommand(runtime.GOOS, uri)
	wait := o.Wait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	if err := exec.CommandContext(ctx, name, args...).Run(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func openCommand(goos, uri string) (string, []string) {
	switch goos {
	case "darwin":
		return "open", []string{uri}
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", uri}
	default:
		return "xdg-open", []string{uri}
	}
}
