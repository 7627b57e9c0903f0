package relay

import (
	"PPSync/service/protocol"
	"PPSync/tools/errs"
	"PPSync/tools/security"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// IngestClient posts broadcast requests to a relay's /api/broadcast endpoint.
// It is what a persistence process uses when it cannot reach the relay over NATS.
type IngestClient struct {
	baseURL string
	hc      *http.Client

	jwt     *security.Options
	subject string
	scopes  []string

	mu       sync.Mutex
	token    string
	expireAt time.Time
}

type IngestClientOption func(*IngestClient)

// WithToken signs a bearer token with opts for every request, refreshed a minute
// before it expires.
func WithToken(opts security.Options, subject string, scopes ...string) IngestClientOption {
	return func(c *IngestClient) {
		c.jwt = &opts
		c.subject = subject
		c.scopes = scopes
	}
}

func WithHTTPClient(hc *http.Client) IngestClientOption {
	return func(c *IngestClient) { c.hc = hc }
}

func NewIngestClient(baseURL string, opts ...IngestClientOption) *IngestClient {
	c := &IngestClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *IngestClient) Broadcast(ctx context.Context, req *protocol.IngestRequest) (*protocol.IngestResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errs.ErrArgs.WrapMsg("marshal ingest request", "err", err)
	}
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/broadcast", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build ingest request")
	}
	hr.Header.Set("Content-Type", "application/json")
	if c.jwt != nil {
		tok, err := c.bearer()
		if err != nil {
			return nil, err
		}
		hr.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.hc.Do(hr)
	if err != nil {
		return nil, errors.Wrap(err, "post ingest request")
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "read ingest response")
	}
	return decodeIngestHTTP(resp.StatusCode, raw)
}

func (c *IngestClient) bearer() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Until(c.expireAt) > time.Minute {
		return c.token, nil
	}
	tok, exp, err := security.Generate(*c.jwt, c.subject, c.scopes)
	if err != nil {
		return "", errs.ErrUnauthorized.WrapMsg("sign ingest token", "err", err)
	}
	c.token, c.expireAt = tok, exp
	return tok, nil
}

// decodeIngestHTTP accepts both the IngestResponse shape and a bare CodeError,
// which is what the auth middleware answers with.
func decodeIngestHTTP(status int, raw []byte) (*protocol.IngestResponse, error) {
	var resp protocol.IngestResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, errs.ErrInternal.WrapMsg("undecodable ingest response", "status", status)
	}
	if resp.Error != nil {
		return &resp, resp.Error.Wrap()
	}
	if status == http.StatusOK {
		return &resp, nil
	}
	var ce errs.CodeError
	if err := json.Unmarshal(raw, &ce); err == nil && ce.Code != 0 {
		return &resp, ce.Wrap()
	}
	return &resp, errs.ErrInternal.WrapMsg("ingest failed", "status", status)
}
