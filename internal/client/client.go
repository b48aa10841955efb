// Package client talks to a creditd node over its HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"creditvault/internal/api"
	"creditvault/internal/errs"
	"creditvault/internal/events"
	"creditvault/internal/protocol"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

func New(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

// Error is a non-2xx reply. Kind carries the server's error class.
type Error struct {
	Status  int
	Kind    errs.Kind
	Message string
}

func (e *Error) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("http %d (%s): %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

func (c *Client) Submit(ctx context.Context, cmd protocol.Command) (protocol.Result, error) {
	var res protocol.Result
	err := c.do(ctx, http.MethodPost, "/v1/commands", cmd, &res)
	return res, err
}

func (c *Client) Ledger(ctx context.Context) (protocol.LedgerView, error) {
	var out protocol.LedgerView
	err := c.do(ctx, http.MethodGet, "/v1/ledger", nil, &out)
	return out, err
}

func (c *Client) Account(ctx context.Context, addr common.Address) (protocol.AccountView, error) {
	var out protocol.AccountView
	err := c.do(ctx, http.MethodGet, "/v1/accounts/"+addr.Hex(), nil, &out)
	return out, err
}

func (c *Client) Vaults(ctx context.Context) ([]protocol.VaultView, error) {
	var out []protocol.VaultView
	err := c.do(ctx, http.MethodGet, "/v1/vaults", nil, &out)
	return out, err
}

func (c *Client) Vault(ctx context.Context, name string) (protocol.VaultView, error) {
	var out protocol.VaultView
	err := c.do(ctx, http.MethodGet, "/v1/vaults/"+url.PathEscape(name), nil, &out)
	return out, err
}

func (c *Client) Position(ctx context.Context, vault string, owner common.Address) (protocol.PositionView, error) {
	var out protocol.PositionView
	err := c.do(ctx, http.MethodGet, "/v1/vaults/"+url.PathEscape(vault)+"/positions/"+owner.Hex(), nil, &out)
	return out, err
}

func (c *Client) Epoch(ctx context.Context, vault string, index uint64) (protocol.EpochView, error) {
	var out protocol.EpochView
	path := "/v1/vaults/" + url.PathEscape(vault) + "/epochs/" + strconv.FormatUint(index, 10)
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) Depth(ctx context.Context, vault string) ([]protocol.DepthLevel, error) {
	var out []protocol.DepthLevel
	err := c.do(ctx, http.MethodGet, "/v1/vaults/"+url.PathEscape(vault)+"/depth", nil, &out)
	return out, err
}

func (c *Client) Unwinder(ctx context.Context, vault string) (protocol.UnwinderView, error) {
	var out protocol.UnwinderView
	err := c.do(ctx, http.MethodGet, "/v1/vaults/"+url.PathEscape(vault)+"/unwinder", nil, &out)
	return out, err
}

func (c *Client) Events(ctx context.Context, limit int) ([]events.Event, error) {
	var out []events.Event
	err := c.do(ctx, http.MethodGet, "/v1/events?limit="+strconv.Itoa(limit), nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		apiErr := &Error{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var decoded api.ErrorResponse
		if json.Unmarshal(raw, &decoded) == nil && decoded.Error != "" {
			apiErr.Message = decoded.Error
			apiErr.Kind = errs.Kind(decoded.Kind)
		}
		c.log.Debug("api request failed", zap.String("path", path), zap.Int("status", resp.StatusCode))
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
