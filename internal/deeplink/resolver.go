package deeplink

import (
	"net/url"
	"strings"

	apperrors "github.com/openclaw/autoconnect/internal/errors"
	"github.com/openclaw/autoconnect/internal/model"
)

const (
	placeholderBot  = "{bot}"
	placeholderCode = "{code}"
)

// Templates holds URI patterns with {bot} and {code} placeholders.
type Templates struct {
	Native    string
	Universal string
	Fallback  string
}

func DefaultTemplates() Templates {
	return Templates{
		Native:    "tg://resolve?domain={bot}&start={code}",
		Universal: "https://t.me/{bot}?start={code}",
		Fallback:  "https://telegram.me/{bot}?start={code}",
	}
}

// Resolver is pure: the same inputs always produce the same links.
type Resolver struct {
	templates Templates
}

func NewResolver(templates Templates) *Resolver {
	defaults := DefaultTemplates()
	if templates.Native == "" {
		templates.Native = defaults.Native
	}
	if templates.Universal == "" {
		templates.Universal = defaults.Universal
	}
	if templates.Fallback == "" {
		templates.Fallback = defaults.Fallback
	}
	return &Resolver{templates: templates}
}

// Resolve returns the primary link and ordered fallbacks for the platform.
// An empty code fails with INVALID_CODE before any link is built.
func (r *Resolver) Resolve(code, botID string, platform model.PlatformClass) (model.DeepLinks, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return model.DeepLinks{}, apperrors.InvalidCode()
	}
	botID = strings.TrimPrefix(strings.TrimSpace(botID), "@")
	if botID == "" {
		return model.DeepLinks{}, apperrors.MissingRequired("botId")
	}

	expand := strings.NewReplacer(
		placeholderBot, url.PathEscape(botID),
		placeholderCode, url.QueryEscape(code),
	)
	native := expand.Replace(r.templates.Native)
	universal := expand.Replace(r.templates.Universal)
	fallback := expand.Replace(r.templates.Fallback)

	switch platform {
	case model.PlatformMobile:
		return model.DeepLinks{Primary: native, Secondary: []string{universal, fallback}}, nil
	case model.PlatformDesktop:
		return model.DeepLinks{Primary: universal, Secondary: []string{fallback}}, nil
	default:
		return model.DeepLinks{}, apperrors.InvalidInput("platform", "must be mobile or desktop")
	}
}
