package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/openclaw/autoconnect/internal/model"
)

var (
	bold   = color.New(color.Bold).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
)

func stateColor(state model.SessionState) func(a ...interface{}) string {
	switch state {
	case model.SessionStateLinked:
		return green
	case model.SessionStateFailed:
		return red
	case model.SessionStateTimedOut, model.SessionStateCancelled:
		return yellow
	default:
		return cyan
	}
}

func printSession(w io.Writer, s model.LinkSession) {
	fmt.Fprintf(w, "%s %s\n", bold("State:"), stateColor(s.State)(string(s.State)))
	if s.State == model.SessionStateIdle {
		return
	}
	fmt.Fprintf(w, "%s %s\n", bold("Session:"), gray(s.ID))
	if s.Attempt > 0 {
		fmt.Fprintf(w, "%s %d\n", bold("Attempt:"), s.Attempt)
	}
	if s.Code != "" {
		fmt.Fprintf(w, "%s %s %s\n", bold("Code:"), yellow(s.Code), gray("(expires "+s.ExpiresAt.Local().Format("2006-01-02 15:04")+")"))
	}
	printLinks(w, s.Links)
	if s.LinkedIdentity != nil {
		who := s.LinkedIdentity.UserID
		if s.LinkedIdentity.Username != "" {
			who = "@" + s.LinkedIdentity.Username + " (" + who + ")"
		}
		fmt.Fprintf(w, "%s %s\n", bold("Linked to:"), green(who))
	}
	if s.LastError != nil {
		fmt.Fprintf(w, "%s %s %s\n", bold("Last error:"), red(s.LastError.Code), s.LastError.Message)
	}
}

func printLinks(w io.Writer, links *model.DeepLinks) {
	if links == nil {
		return
	}
	fmt.Fprintf(w, "%s %s\n", bold("Open:"), cyan(links.Primary))
	for _, link := range links.Secondary {
		fmt.Fprintf(w, "      %s\n", gray(link))
	}
}

// printManualFallback tells the user how to finish linking by hand.
func printManualFallback(w io.Writer, s model.LinkSession) {
	if s.Code == "" || s.BotID == "" {
		return
	}
	fmt.Fprintf(w, "\nTo link manually, open %s in Telegram and send %s\n",
		bold("@"+s.BotID), yellow("/start "+s.Code))
}
