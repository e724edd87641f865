package listener

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/addison-moore/fleetrunner/internal/config"
	"github.com/addison-moore/fleetrunner/pkg/apierrors"
	"github.com/addison-moore/fleetrunner/pkg/types"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// client is the Listener's long-poll connection to the orchestration
// service, modeled on the teacher's pooled api.Client: tuned transport and
// singleflight collapsing of duplicate concurrent getMessage calls. Each
// request is made once; retrying a failed poll is left to the Listener's
// ErrorThrottler.
type client struct {
	cfg        config.APIConfig
	httpClient *http.Client
	baseURL    *url.URL
	log        *logrus.Entry

	group singleflight.Group
}

func newClient(cfg config.APIConfig, log *logrus.Entry) (*client, error) {
	baseURL, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, apierrors.NewValidationError("api.endpoint", "url", err.Error())
	}

	return &client{
		cfg: cfg,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		baseURL: baseURL,
		log:     log,
	}, nil
}

// getMessage issues one long-poll request bounded by the server's stated
// timeout plus a local safety margin, and returns the next message, or nil
// if the server reported no message available before the deadline.
func (c *client) getMessage(ctx context.Context, lastMessageID int64) (*types.BrokerMessage, error) {
	v, err, _ := c.group.Do("getMessage", func() (interface{}, error) {
		return c.doGetMessage(ctx, lastMessageID)
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.(*types.BrokerMessage), nil
}

func (c *client) doGetMessage(ctx context.Context, lastMessageID int64) (*types.BrokerMessage, error) {
	timeout := c.cfg.ServerTimeout + c.cfg.LocalSafetyMargin
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := *c.baseURL
	u.Path = "/api/message"
	q := u.Query()
	q.Set("lastMessageId", fmt.Sprintf("%d", lastMessageID))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, apierrors.NewNetworkError(err.Error(), "http")
	}
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apierrors.NewNetworkError(err.Error(), "http")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, apierrors.NewAPIError(resp.StatusCode, "IDENTITY_REVOKED", string(body))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apierrors.NewAPIError(resp.StatusCode, "GET_MESSAGE_FAILED", string(body))
	}

	var msg types.BrokerMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, apierrors.NewValidationError("message_body", "json", err.Error())
	}
	return &msg, nil
}

// deleteMessage acknowledges consumption of messageID so the orchestration
// service doesn't redeliver it.
func (c *client) deleteMessage(ctx context.Context, messageID int64) error {
	u := *c.baseURL
	u.Path = fmt.Sprintf("/api/message/%d", messageID)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u.String(), bytes.NewReader(nil))
	if err != nil {
		return apierrors.NewNetworkError(err.Error(), "http")
	}
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apierrors.NewNetworkError(err.Error(), "http")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return apierrors.NewAPIError(resp.StatusCode, "DELETE_MESSAGE_FAILED", string(body))
	}
	return nil
}

func (c *client) applyAuth(req *http.Request) {
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
}

// logTokenExpiry parses (without verifying) the configured access token's
// registered claims, purely for a diagnostic log line — the core never
// authenticates the token itself; the Run Service validates it.
func (c *client) logTokenExpiry() {
	if c.cfg.Token == "" || c.log == nil {
		return
	}
	parser := jwt.NewParser()
	claims := jwt.RegisteredClaims{}
	if _, _, err := parser.ParseUnverified(c.cfg.Token, &claims); err != nil {
		return
	}
	if claims.ExpiresAt != nil {
		c.log.WithField("token_expires_at", claims.ExpiresAt.Time).Debug("session token expiry")
	}
}
