// Package delivery pushes reminder messages to a OneBot v11 HTTP endpoint
// such as NapCat.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linkerlin/nanotools.go/internal/errs"
	"github.com/linkerlin/nanotools.go/internal/reminder"
)

// DefaultTimeout bounds one send when the caller sets no deadline.
const DefaultTimeout = 15 * time.Second

// Sender delivers a message to a target.
type Sender interface {
	Send(ctx context.Context, target reminder.Target, text string) error
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Action string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Action, e.Code, e.Body)
}

// Client is an HTTP Sender.
type Client struct {
	baseURL string
	token   string
	hc      *http.Client
}

// NewClient builds a client for baseURL. A non-empty token is sent as a
// bearer credential.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   strings.TrimSpace(token),
		hc:      &http.Client{Timeout: timeout},
	}
}

// Send posts text to send_group_msg or send_private_msg. Every failure wraps
// errs.ErrDeliveryFailure.
func (c *Client) Send(ctx context.Context, target reminder.Target, text string) error {
	if err := target.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrDeliveryFailure, err)
	}

	action := "send_group_msg"
	params := map[string]string{"group_id": target.ID, "message": text}
	if target.ChatType == reminder.Private {
		action = "send_private_msg"
		params = map[string]string{"user_id": target.ID, "message": text}
	}

	if err := c.call(ctx, action, params); err != nil {
		return fmt.Errorf("%w: %w", errs.ErrDeliveryFailure, err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, action string, params any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode %s: %w", action, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+action, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Action: action, Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
