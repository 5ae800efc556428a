package custody

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/stockcenter/pkg/app/core/ledger"
	"github.com/uhyunpark/stockcenter/pkg/apperr"
)

// HTTPGateway talks to the account service over form-encoded POSTs:
//
//	POST {base}/capital/freeze    token
//	POST {base}/capital/defreeze  token
//	POST {base}/capital/increase  token, amount
//	POST {base}/capital/decrease  token, amount
//
// and expects {"state":"ok"} or {"state":"error","info":"..."} back.
// Amounts are sent in major units with two decimals.
type HTTPGateway struct {
	base   string
	client *http.Client
	log    *zap.Logger
}

type reply struct {
	State string `json:"state"`
	Info  string `json:"info"`
}

// NewHTTPGateway creates a gateway rooted at base
func NewHTTPGateway(base string, timeout time.Duration, logger *zap.Logger) *HTTPGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPGateway{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: timeout},
		log:    logger,
	}
}

func (g *HTTPGateway) Freeze(ctx context.Context, token string) error {
	return g.post(ctx, "/capital/freeze", url.Values{"token": {token}})
}

func (g *HTTPGateway) Defreeze(ctx context.Context, token string) error {
	return g.post(ctx, "/capital/defreeze", url.Values{"token": {token}})
}

func (g *HTTPGateway) IncreaseBalance(ctx context.Context, token string, amount int64) error {
	return g.post(ctx, "/capital/increase", url.Values{"token": {token}, "amount": {ledger.FormatPrice(amount)}})
}

func (g *HTTPGateway) DecreaseBalance(ctx context.Context, token string, amount int64) error {
	return g.post(ctx, "/capital/decrease", url.Values{"token": {token}, "amount": {ledger.FormatPrice(amount)}})
}

func (g *HTTPGateway) post(ctx context.Context, path string, form url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.base+path, strings.NewReader(form.Encode()))
	if err != nil {
		return apperr.Wrap(apperr.UpstreamCustodyFailure, err, "build %s request", path)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if key := IdempotencyKey(ctx); key != "" {
		req.Header.Set("Idempotency-Key", key)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.UpstreamCustodyFailure, err, "custody %s", path)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return apperr.Wrap(apperr.UpstreamCustodyFailure, err, "read custody %s reply", path)
	}
	if resp.StatusCode != http.StatusOK {
		return apperr.New(apperr.UpstreamCustodyFailure, "custody %s: http %d", path, resp.StatusCode)
	}

	var r reply
	if err := json.Unmarshal(body, &r); err != nil {
		return apperr.Wrap(apperr.UpstreamCustodyFailure, err, "decode custody %s reply", path)
	}
	if r.State != "ok" {
		return apperr.New(apperr.UpstreamCustodyFailure, "custody %s rejected: %s", path, r.Info)
	}

	g.log.Debug("custody_call", zap.String("path", path), zap.String("token", form.Get("token")))
	return nil
}
