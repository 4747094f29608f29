package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/decred/slog"

	"github.com/bigspider/rpsledger/rpsgame"
	"github.com/bigspider/rpsledger/server"
)

// Client is the low-level transport to the authoritative ledger. Every
// mutating call is fire-and-wait: it submits, surfaces the ledger's verdict,
// and never retries on its own. A duplicate submission after a lost
// confirmation simply fails the ledger's guards.
type Client struct {
	addr string
	hc   *http.Client
	log  slog.Logger
}

// ClientCfg configures a ledger client.
type ClientCfg struct {
	// ServerAddr is the base URL of the ledger server, e.g.
	// "http://127.0.0.1:8985".
	ServerAddr string

	Log slog.Logger

	// HTTPClient overrides the transport (tests). Nil uses a client with a
	// request timeout.
	HTTPClient *http.Client
}

func NewClient(cfg ClientCfg) (*Client, error) {
	if cfg.ServerAddr == "" {
		return nil, fmt.Errorf("missing server address")
	}
	if cfg.Log == nil {
		return nil, fmt.Errorf("client must have logger")
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		addr: cfg.ServerAddr,
		hc:   hc,
		log:  cfg.Log,
	}, nil
}

// FetchState retrieves the full authoritative snapshot.
func (c *Client) FetchState(ctx context.Context) (*server.StateResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.addr+"/state", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch state: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, remoteError(resp)
	}
	var st server.StateResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &st, nil
}

// Register submits a registration with the given payment and returns the
// change owed back.
func (c *Client) Register(ctx context.Context, account string, payment int64) (int64, error) {
	var out struct {
		Change int64 `json:"change"`
	}
	err := c.post(ctx, "/register", map[string]any{
		"account": account,
		"payment": payment,
	}, &out)
	return out.Change, err
}

// Commit submits a commitment hash.
func (c *Client) Commit(ctx context.Context, account string, commitment rpsgame.Commitment) error {
	return c.post(ctx, "/commit", map[string]any{
		"account":    account,
		"commitment": commitment,
	}, nil)
}

// Reveal discloses a move and its nonce.
func (c *Client) Reveal(ctx context.Context, account string, choice rpsgame.Choice, nonce rpsgame.Nonce) error {
	return c.post(ctx, "/reveal", map[string]any{
		"account": account,
		"choice":  choice,
		"nonce":   nonce,
	}, nil)
}

// Abort requests a timeout abort.
func (c *Client) Abort(ctx context.Context, account string) error {
	return c.post(ctx, "/abort", map[string]any{"account": account}, nil)
}

// Forfeit claims victory by forfeiture.
func (c *Client) Forfeit(ctx context.Context, account string) error {
	return c.post(ctx, "/forfeit", map[string]any{"account": account}, nil)
}

// OpenEvents opens the server-sent event stream. The returned body stays
// open until ctx is cancelled or the server goes away; it bypasses the
// client's request timeout.
func (c *Client) OpenEvents(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.addr+"/events", nil)
	if err != nil {
		return nil, err
	}
	streamClient := &http.Client{Transport: c.hc.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("event stream rejected (%d)", resp.StatusCode)
	}
	return resp.Body, nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.addr+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return remoteError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

// remoteError decodes a rejected action. Known protocol codes come back as
// the matching rpsgame sentinel so callers can errors.Is against them.
func remoteError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var er struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &er); err == nil && er.Message != "" {
		if sentinel := rpsgame.ErrorFromCode(er.Code); sentinel != nil {
			return fmt.Errorf("action rejected: %w", sentinel)
		}
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, er.Message)
	}
	return fmt.Errorf("server error (%d)", resp.StatusCode)
}
