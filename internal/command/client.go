package command

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"etaexport/internal/i18n"
	"etaexport/internal/wait"
)

// ErrRejected is returned when the server answered with success=false.
var ErrRejected = errors.New("command rejected")

// ErrUnreachable is returned when no attempt reached the server.
var ErrUnreachable = errors.New("command server unreachable")

// UnreachableError carries the localized reload request shown to the user.
// The transport failure is logged, not included.
type UnreachableError struct {
	Message string
}

func (e *UnreachableError) Error() string { return e.Message }

func (e *UnreachableError) Unwrap() error { return ErrUnreachable }

// Reply is a decoded response whose data is kept raw.
type Reply struct {
	Success bool            `json:"success"`
	Ready   bool            `json:"ready,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Client sends requests to a command server and retries failed attempts.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Token      string
	Lang       string
	Attempts   int
	Backoff    time.Duration

	logger zerolog.Logger
}

// NewClient returns a client with three attempts and a 500 ms backoff step.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{},
		Attempts:   3,
		Backoff:    500 * time.Millisecond,
		logger:     log.With().Str("component", "command-client").Logger(),
	}
}

// Send posts req and returns the reply. The wait before attempt n+1 is n
// backoff steps. When the last attempt cannot reach the server the error is an
// *UnreachableError matching ErrUnreachable.
func (c *Client) Send(ctx context.Context, req Request) (Reply, error) {
	attempts := max(c.Attempts, 1)
	var lastErr error
	unreachable := false
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if err := wait.Sleep(ctx, c.Backoff*time.Duration(i)); err != nil {
				return Reply{}, err
			}
		}
		reply, err := c.send(ctx, req)
		if err == nil {
			if reply.Success {
				return reply, nil
			}
			err = fmt.Errorf("%w: %s", ErrRejected, reply.Error)
			unreachable = false
		} else {
			unreachable = true
		}
		lastErr = err
		c.logger.Debug().Err(err).Int("attempt", i+1).Str("action", req.Action).Msg("command attempt failed")
	}
	if unreachable {
		c.logger.Warn().Err(lastErr).Int("attempts", attempts).Str("action", req.Action).Msg("command server unreachable")
		return Reply{}, &UnreachableError{Message: i18n.Message(c.Lang, i18n.ErrReload)}
	}
	return Reply{}, lastErr
}

func (c *Client) send(ctx context.Context, req Request) (Reply, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Reply{}, fmt.Errorf("encode request: %w", err)
	}
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+CommandsPath, bytes.NewReader(body))
	if err != nil {
		return Reply{}, fmt.Errorf("new request: %w", err)
	}
	hr.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		hr.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(hr)
	if err != nil {
		return Reply{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Reply{}, fmt.Errorf("read response: %w", err)
	}
	var reply Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		return Reply{}, fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	return reply, nil
}
