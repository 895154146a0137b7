// Package escrow talks to the remote escrow service that holds sealed
// writer keys and releases them as time-bounded leases. Every request is
// HMAC-signed; non-2xx responses surface as typed errors preserving the
// upstream status and slug.
package escrow

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hypertuna/gateway/gateway/apierr"
	"github.com/hypertuna/gateway/gateway/config"
	"github.com/hypertuna/gateway/gateway/core/cryptoops"
)

const (
	headerClientID  = "X-Escrow-Client-Id"
	headerTimestamp = "X-Escrow-Timestamp"
	headerSignature = "X-Escrow-Signature"
)

type Client struct {
	baseURL  string
	clientID string
	secret   []byte
	http     *http.Client
	timeout  time.Duration
}

func NewClient(cfg config.EscrowConfig) (*Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	if cfg.ClientCert != "" && cfg.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("escrow: load client cert: %w", err)
		}
		tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
		if cfg.ClientCA != "" {
			pem, err := os.ReadFile(cfg.ClientCA)
			if err != nil {
				return nil, fmt.Errorf("escrow: read client CA: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("escrow: no certificates in %s", cfg.ClientCA)
			}
			tlsCfg.RootCAs = pool
		}
		if cfg.RejectUnauthorized != nil && !*cfg.RejectUnauthorized {
			tlsCfg.InsecureSkipVerify = true
		}
		transport.TLSClientConfig = tlsCfg
	}

	return &Client{
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		clientID: cfg.ClientID,
		secret:   []byte(cfg.ClientSecret),
		http:     &http.Client{Transport: transport},
		timeout:  cfg.Timeout(),
	}, nil
}

func (c *Client) FetchPolicy(ctx context.Context) (*Policy, error) {
	var out Policy
	if err := c.do(ctx, http.MethodGet, "/policy", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type DepositRequest struct {
	EscrowID           string                   `json:"escrowId"`
	SealedWriterKey    *cryptoops.SealedPayload `json:"sealedWriterKey"`
	RecipientPublicKey string                   `json:"recipientPublicKey"`
	Policy             *Policy                  `json:"policy,omitempty"`
}

type DepositResult struct {
	Status string `json:"status"`
}

func (c *Client) Deposit(ctx context.Context, req DepositRequest) (*DepositResult, error) {
	var out DepositResult
	if err := c.do(ctx, http.MethodPost, "/", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type UnlockRequest struct {
	EscrowID    string `json:"escrowId"`
	RequesterID string `json:"requesterId"`
	Evidence    string `json:"evidence,omitempty"`
}

// Unlock returns a lease carrying the decrypted writer key. The caller MUST
// hand the lease to the vault immediately; the client keeps no copy.
func (c *Client) Unlock(ctx context.Context, req UnlockRequest) (*Lease, error) {
	var out Lease
	if err := c.do(ctx, http.MethodPost, "/unlock", req, &out); err != nil {
		return nil, err
	}
	if out.PayloadDigest == "" && len(out.Writer.WriterKey) > 0 {
		out.PayloadDigest = ComputePayloadDigest(out.Writer.WriterKey, out.Writer.WriterKeyDigest)
	}
	return &out, nil
}

type revokeRequest struct {
	EscrowID string `json:"escrowId"`
	Reason   string `json:"reason,omitempty"`
}

func (c *Client) Revoke(ctx context.Context, escrowID, reason string) error {
	return c.do(ctx, http.MethodPost, "/revoke", revokeRequest{EscrowID: escrowID, Reason: reason}, nil)
}

// ListLeases returns the server's lease view for reconciliation, secrets
// stripped.
func (c *Client) ListLeases(ctx context.Context) ([]*Lease, error) {
	var out []*Lease
	if err := c.do(ctx, http.MethodGet, "/leases", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// do signs and sends one request, retrying transient failures with
// exponential backoff until the call deadline runs out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	backoff := 200 * time.Millisecond
	for {
		err := c.once(ctx, method, path, body, out)
		if err == nil || !apierr.IsTransient(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}
		backoff *= 2
		log.Debug().Str("path", path).Dur("backoff", backoff).Msg("[escrow] retrying transient failure")
	}
}

func (c *Client) once(ctx context.Context, method, path string, body, out any) error {
	var buf io.Reader
	var canonical any
	if body != nil {
		canonical = body
		payload, err := json.Marshal(body)
		if err != nil {
			return apierr.Validation(err)
		}
		buf = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, buf)
	if err != nil {
		return apierr.Fatal(err)
	}
	ts := time.Now().UnixMilli()
	sig, err := cryptoops.SignRequest(c.secret, c.clientID, canonical, ts)
	if err != nil {
		return apierr.Fatal(err)
	}
	req.Header.Set(headerClientID, c.clientID)
	req.Header.Set(headerTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(headerSignature, sig)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apierr.Transient(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apierr.Transient(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		slug := ""
		var parsed struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &parsed) == nil {
			slug = parsed.Error
		}
		if resp.StatusCode >= 500 {
			return &apierr.Error{Kind: apierr.KindTransient, Slug: orSlug(slug), Status: resp.StatusCode,
				Err: fmt.Errorf("escrow %s %s: status %d", method, path, resp.StatusCode)}
		}
		return apierr.Upstream(resp.StatusCode, slug,
			fmt.Errorf("escrow %s %s: status %d", method, path, resp.StatusCode))
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apierr.Transient(fmt.Errorf("escrow: decode response: %w", err))
	}
	return nil
}

func orSlug(slug string) string {
	if slug == "" {
		return apierr.SlugUpstream
	}
	return slug
}
