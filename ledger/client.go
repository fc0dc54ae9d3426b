package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultDecimals = 18
)

const (
	AliveURL    = "/alive"
	BalanceURL  = "/balance"
	TransferURL = "/transfer"
)

var (
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	ErrTransferRejected  = errors.New("transfer rejected by the ledger")
	ErrInvalidNodeURL    = errors.New("invalid ledger node url")
)

// Config contains configuration of the ledger client.
type Config struct {
	NodeURL  string        `yaml:"node_url"` // Ledger node root URL.
	Timeout  time.Duration `yaml:"timeout"`  // Timeout of a single call, defaults to 10s.
	Decimals int32         `yaml:"decimals"` // Number of decimal places of the native unit, defaults to 18.
}

// Normalize fills the defaults.
func (c *Config) Normalize() {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.Decimals <= 0 {
		c.Decimals = defaultDecimals
	}
}

// BalanceResponse is the ledger node answer to the balance query.
type BalanceResponse struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

// TransferResponse is the ledger node answer to the accepted transfer.
type TransferResponse struct {
	Reference string `json:"reference"`
}

// ErrorResponse is the ledger node answer to the rejected call.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Client reads balances from and submits signed transfers to the ledger node.
// Every failure to get an answer is reported as ErrLedgerUnavailable,
// it is not an evidence that the transfer failed.
type Client struct {
	root    string
	timeout time.Duration
	inner   *fasthttp.Client
}

// NewClient creates a new ledger Client.
func NewClient(cfg Config) (*Client, error) {
	cfg.Normalize()
	u, err := url.Parse(cfg.NodeURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, ErrInvalidNodeURL
	}
	return &Client{
		root:    strings.TrimRight(cfg.NodeURL, "/"),
		timeout: cfg.Timeout,
		inner:   &fasthttp.Client{Name: "fiduciary-ledger-client"},
	}, nil
}

// GetBalance returns the balance of the address in the ledger smallest unit.
func (c *Client) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)

	req.SetRequestURI(fmt.Sprintf("%s%s/%s", c.root, BalanceURL, url.PathEscape(address)))
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("accept", "application/json")

	var res BalanceResponse
	if err := c.do(ctx, req, &res); err != nil {
		if errors.Is(err, ErrTransferRejected) {
			return nil, errors.Join(ErrLedgerUnavailable, err)
		}
		return nil, err
	}

	balance, ok := new(big.Int).SetString(res.Balance, 10)
	if !ok || balance.Sign() < 0 {
		return nil, errors.Join(ErrLedgerUnavailable, fmt.Errorf("malformed balance %q", res.Balance))
	}
	return balance, nil
}

// Submit broadcasts the signed transfer and returns settlement reference once the ledger accepted it.
func (c *Client) Submit(ctx context.Context, t Transfer) (string, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return "", err
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)

	req.SetRequestURI(c.root + TransferURL)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("accept", "application/json")
	req.SetBody(raw)

	var res TransferResponse
	if err := c.do(ctx, req, &res); err != nil {
		return "", err
	}
	if res.Reference == "" {
		return "", errors.Join(ErrLedgerUnavailable, errors.New("empty settlement reference"))
	}
	return res.Reference, nil
}

// Alive checks the ledger node responds.
func (c *Client) Alive(ctx context.Context) error {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)

	req.SetRequestURI(c.root + AliveURL)
	req.Header.SetMethod(fasthttp.MethodGet)

	return c.do(ctx, req, nil)
}

func (c *Client) do(ctx context.Context, req *fasthttp.Request, in any) error {
	timeout, err := c.effectiveTimeout(ctx)
	if err != nil {
		return err
	}

	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	if err := c.inner.DoTimeout(req, resp, timeout); err != nil {
		return errors.Join(ErrLedgerUnavailable, err)
	}

	status := resp.StatusCode()
	switch {
	case status == fasthttp.StatusOK, status == fasthttp.StatusCreated, status == fasthttp.StatusAccepted:
	case status >= 400 && status < 500:
		var e ErrorResponse
		json.Unmarshal(resp.Body(), &e)
		return errors.Join(ErrTransferRejected, fmt.Errorf("status code %d: %s", status, e.Error))
	default:
		return errors.Join(ErrLedgerUnavailable, fmt.Errorf("unexpected status code %d", status))
	}

	if in == nil {
		return nil
	}

	contentType := resp.Header.Peek("Content-Type")
	if !bytes.HasPrefix(contentType, []byte("application/json")) {
		return errors.Join(ErrLedgerUnavailable, fmt.Errorf("expected content type application/json but got %s", contentType))
	}
	if err := json.Unmarshal(resp.Body(), in); err != nil {
		return errors.Join(ErrLedgerUnavailable, err)
	}
	return nil
}

func (c *Client) effectiveTimeout(ctx context.Context) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, errors.Join(ErrLedgerUnavailable, err)
	}
	timeout := c.timeout
	if dl, ok := ctx.Deadline(); ok {
		remaining := time.Until(dl)
		if remaining <= 0 {
			return 0, errors.Join(ErrLedgerUnavailable, context.DeadlineExceeded)
		}
		if remaining < timeout {
			timeout = remaining
		}
	}
	return timeout, nil
}
