package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Result reports whether a gateway answered the health call. Metadata is
// optional and only used for human-readable status text; its absence is
// never a failure.
type Result struct {
	Reachable  bool
	Linked     *bool  // gateway reports an upstream link
	TokenAgeMS *int64 // age of the gateway's auth token
	Detail     string // short text for status display
}

// Prober performs a single health round trip against a gateway address.
type Prober interface {
	Check(ctx context.Context) Result
}

// Config holds probe client configuration.
type Config struct {
	URL     string // e.g. http://127.0.0.1:4817/rpc
	Token   string // optional bearer credential
	Method  string // RPC method identifier, default "status"
	Timeout time.Duration
	Logger  *slog.Logger
}

// Client probes a gateway over a JSON request/response call. Any transport,
// timeout or credential failure means "not reachable" — the expected signal
// that no instance exists — and is never surfaced as an error.
type Client struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

func New(cfg Config) *Client {
	if cfg.Method == "" {
		cfg.Method = "status"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: cfg.Logger,
	}
}

type rpcRequest struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

type rpcResponse struct {
	Result *struct {
		Linked     *bool  `json:"linked,omitempty"`
		TokenAgeMS *int64 `json:"token_age_ms,omitempty"`
	} `json:"result"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) Check(ctx context.Context) Result {
	body, _ := json.Marshal(rpcRequest{Method: c.cfg.Method})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		c.logger.Debug("probe request build failed", "error", err)
		return Result{}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("probe unreachable", "url", c.cfg.URL, "error", err)
		return Result{}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		c.logger.Debug("probe rejected", "url", c.cfg.URL, "status", resp.StatusCode)
		return Result{}
	}

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		c.logger.Debug("probe response undecodable", "error", err)
		return Result{}
	}
	if rr.Error != nil {
		c.logger.Debug("probe rpc error", "message", rr.Error.Message)
		return Result{}
	}

	res := Result{Reachable: true, Detail: "gateway reachable"}
	if rr.Result != nil {
		res.Linked = rr.Result.Linked
		res.TokenAgeMS = rr.Result.TokenAgeMS
		res.Detail = describe(res)
	}
	return res
}

func describe(r Result) string {
	s := "gateway reachable"
	if r.Linked != nil {
		if *r.Linked {
			s += ", linked"
		} else {
			s += ", not linked"
		}
	}
	if r.TokenAgeMS != nil {
		s += fmt.Sprintf(", token age %dms", *r.TokenAgeMS)
	}
	return s
}
