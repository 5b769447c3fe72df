/*
Package reconcile
File: client.go
Description:
    HTTP client for a remote backend. Any 4xx other than 429 is a
    definitive rejection; everything else counts as unreachable.
*/

package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cosmicvoyage/star-economy/internal/game"
)

// HTTPBackend talks to a remote backend over the /backend/* JSON API.
type HTTPBackend struct {
	base   string
	client *http.Client
}

func NewHTTPBackend(baseURL string, timeout time.Duration) *HTTPBackend {
	return &HTTPBackend{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

// post sends in as JSON and decodes a 2xx body into out. 4xx answers with a
// JSON error body become *Rejection; everything else is a transport error.
func (b *HTTPBackend) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		var rej Rejection
		if err := json.Unmarshal(raw, &rej); err != nil || rej.Code == "" {
			return &Rejection{Code: game.CodeRejected, Reason: fmt.Sprintf("%s: HTTP %d", path, resp.StatusCode)}
		}
		return &rej
	default:
		return fmt.Errorf("post %s: HTTP %d", path, resp.StatusCode)
	}
}

func (b *HTTPBackend) ClaimGenesis(ctx context.Context, req GenesisRequest) (GenesisReply, error) {
	var out GenesisReply
	err := b.post(ctx, "/backend/genesis", req, &out)
	return out, err
}

func (b *HTTPBackend) RecordDiscovery(ctx context.Context, req DiscoveryRequest) error {
	return b.post(ctx, "/backend/discovery", req, nil)
}

func (b *HTTPBackend) ClaimDailyLogin(ctx context.Context, req DailyLoginRequest) (DailyLoginReply, error) {
	var out DailyLoginReply
	err := b.post(ctx, "/backend/daily-login", req, &out)
	return out, err
}

func (b *HTTPBackend) RecordMint(ctx context.Context, req MintRequest) error {
	return b.post(ctx, "/backend/mint", req, nil)
}

func (b *HTTPBackend) RecordBurn(ctx context.Context, req BurnRequest) error {
	return b.post(ctx, "/backend/burn", req, nil)
}

func (b *HTTPBackend) UpdateBalance(ctx context.Context, req BalanceRequest) error {
	return b.post(ctx, "/backend/balance", req, nil)
}

func (b *HTTPBackend) RequestTransfer(ctx context.Context, req TransferRequest) (TransferReply, error) {
	var out TransferReply
	err := b.post(ctx, "/backend/transfer", req, &out)
	return out, err
}
