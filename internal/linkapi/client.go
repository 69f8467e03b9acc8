package linkapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/autoconnect/internal/config"
	apperrors "github.com/openclaw/autoconnect/internal/errors"
	"github.com/openclaw/autoconnect/internal/model"
	"github.com/openclaw/autoconnect/internal/util"
)

const (
	issuePath  = "/telegram/link-code"
	statusPath = "/telegram/link-status"
)

// CodeIssuer obtains a fresh one-time link code.
type CodeIssuer interface {
	IssueLinkCode(ctx context.Context, req model.IssueRequest) (*model.IssuedCode, error)
}

// StatusChecker reports whether a code has been linked.
type StatusChecker interface {
	CheckLinkStatus(ctx context.Context, code string) (*model.LinkStatus, error)
}

type issueResponse struct {
	Code      string `json:"code"`
	BotID     string `json:"botId"`
	ExpiresAt string `json:"expiresAt"`
	ExpiresIn int    `json:"expiresIn"`
}

type statusResponse struct {
	Linked   bool            `json:"linked"`
	Identity *model.Identity `json:"identity"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type Client struct {
	baseURL    string
	token      string
	sessionTTL time.Duration
	client     *http.Client
}

func NewClient(baseURL, token string, sessionTTL time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		sessionTTL: sessionTTL,
		client: &http.Client{
			Timeout: config.LinkAPIRequestTimeout,
		},
	}
}

func (c *Client) IssueLinkCode(ctx context.Context, req model.IssueRequest) (*model.IssuedCode, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, apperrors.IssuanceRejected("request not encodable").WithCause(err)
	}

	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+issuePath, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.IssuanceRejected("request not constructible").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.authorize(httpReq)

	resp, err := c.client.Do(httpReq)
	elapsed := time.Since(start)
	if err != nil {
		log.Warn().Err(err).Dur("elapsed", elapsed).Msg("link code request failed")
		return nil, apperrors.IssuanceFailed(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, config.LinkAPIMaxBodyBytes))
	if err != nil {
		return nil, apperrors.IssuanceFailed(fmt.Errorf("read body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn().
			Int("status", resp.StatusCode).
			Dur("elapsed", elapsed).
			Msg("link code request returned error status")
		reason := decodeErrorReason(payload, resp.StatusCode)
		if isRetryableStatus(resp.StatusCode) {
			return nil, apperrors.IssuanceFailed(fmt.Errorf("status %d: %s", resp.StatusCode, reason)).
				WithDetails(map[string]int{"status": resp.StatusCode})
		}
		return nil, apperrors.IssuanceRejected(reason).WithDetails(map[string]int{"status": resp.StatusCode})
	}

	var out issueResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, apperrors.IssuanceFailed(fmt.Errorf("decode body: %w", err))
	}

	issued := &model.IssuedCode{
		Code:      strings.TrimSpace(out.Code),
		BotID:     out.BotID,
		ExpiresAt: c.expiry(out, time.Now()),
	}

	log.Info().
		Str("code", util.MaskCode(issued.Code)).
		Str("botId", issued.BotID).
		Time("expiresAt", issued.ExpiresAt).
		Dur("elapsed", elapsed).
		Msg("link code issued")

	return issued, nil
}

func (c *Client) CheckLinkStatus(ctx context.Context, code string) (*model.LinkStatus, error) {
	if strings.TrimSpace(code) == "" {
		return nil, apperrors.InvalidCode()
	}

	u := c.baseURL + statusPath + "?" + url.Values{"code": {code}}.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, apperrors.FatalPoll("request not constructible").WithCause(err)
	}
	c.authorize(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, apperrors.TransientPoll(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, config.LinkAPIMaxBodyBytes))
	if err != nil {
		return nil, apperrors.TransientPoll(fmt.Errorf("read body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		reason := decodeErrorReason(payload, resp.StatusCode)
		if !isDeadCodeReason(reason) && (isRetryableStatus(resp.StatusCode) || resp.StatusCode == http.StatusTooEarly) {
			return nil, apperrors.TransientPoll(fmt.Errorf("status %d: %s", resp.StatusCode, reason))
		}
		return nil, apperrors.FatalPoll(reason).WithDetails(map[string]int{"status": resp.StatusCode})
	}

	var out statusResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, apperrors.TransientPoll(fmt.Errorf("decode body: %w", err))
	}

	if !out.Linked {
		return &model.LinkStatus{Linked: false}, nil
	}
	identity := out.Identity
	if identity == nil {
		identity = &model.Identity{}
	}
	return &model.LinkStatus{Linked: true, Identity: identity}, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) expiry(out issueResponse, now time.Time) time.Time {
	if out.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339, out.ExpiresAt); err == nil {
			return t
		}
		log.Warn().Str("expiresAt", out.ExpiresAt).Msg("unparseable link code expiry, using default ttl")
	}
	if out.ExpiresIn > 0 {
		return now.Add(time.Duration(out.ExpiresIn) * time.Second)
	}
	return now.Add(c.sessionTTL)
}

func isRetryableStatus(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status >= 500
}

func isDeadCodeReason(reason string) bool {
	return reason == "INVALID_CODE" || reason == "EXPIRED_CODE"
}

func decodeErrorReason(payload []byte, status int) string {
	var out errorResponse
	if err := json.Unmarshal(payload, &out); err == nil {
		if out.Code != "" {
			return out.Code
		}
		if out.Error != "" {
			return out.Error
		}
	}
	return http.StatusText(status)
}
