// Package remote implements the authenticated client for the remote authority.
package remote

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/beaconsafe/sentinel/config"
	"github.com/beaconsafe/sentinel/errs"
	"github.com/beaconsafe/sentinel/internal/domain/syncstore"
)

const (
	componentName = "remote"

	registerMaxInterval = 2 * time.Minute
)

// Credentials is the bearer credential set issued at pairing and reused for
// every subsequent call.
type Credentials struct {
	HubID string
	Token string
}

// AlertEnvelope is the remote-facing payload for one queued alert.
type AlertEnvelope struct {
	ItemID    int64           `json:"item_id"`
	SubjectID string          `json:"subject_id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// HeartbeatEnvelope is one member of a heartbeat batch post.
type HeartbeatEnvelope struct {
	ItemID    int64           `json:"item_id"`
	SubjectID string          `json:"subject_id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// VersionManifest describes the remote's current version of one resource.
type VersionManifest struct {
	Version string `json:"version"`
	Hash    string `json:"hash"`
	Size    int64  `json:"size"`
}

// ManifestEntry describes one distributable content file in the remote manifest.
type ManifestEntry struct {
	ContentID string `json:"content_id"`
	Hash      string `json:"hash"`
	Size      int64  `json:"size"`
	Kind      string `json:"kind"`
}

// DownloadResult reports where a stream landed and what was verified about it.
type DownloadResult struct {
	Path     string
	SHA256   string
	ByteSize int64
}

// ackResponse is the explicit acknowledgement marker every mutating call
// requires. A 2xx without it is treated as not acknowledged.
type ackResponse struct {
	Ack   bool `json:"ack"`
	Count int  `json:"count"`
}

// Client wraps all calls to the remote authority. It holds the bearer
// credential set once per pairing; credentials are never re-derived per call.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	limiter       *rate.Limiter
	timeout       time.Duration
	authThreshold int

	mu    sync.RWMutex
	creds Credentials

	authFailures atomic.Int32
}

// NewClient constructs a Client from the remote configuration.
func NewClient(cfg config.RemoteConfig) *Client {
	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:    &http.Client{Timeout: cfg.RequestTimeout},
		limiter:       rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		timeout:       cfg.RequestTimeout,
		authThreshold: cfg.AuthFailureThreshold,
	}
}

// SetCredentials installs the bearer credential set for all subsequent calls
// and clears any auth-failure suspension.
func (c *Client) SetCredentials(creds Credentials) {
	c.mu.Lock()
	c.creds = creds
	c.mu.Unlock()
	c.authFailures.Store(0)
}

// Credentials returns the currently installed credential set.
func (c *Client) Credentials() Credentials {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.creds
}

// Suspended reports whether consecutive authentication failures have crossed
// the escalation threshold. While suspended, forwarder runs become no-ops
// instead of hammering the remote with known-bad credentials.
func (c *Client) Suspended() bool {
	return int(c.authFailures.Load()) >= c.authThreshold
}

// PostAlert delivers one alert and requires an explicit acknowledgement.
func (c *Client) PostAlert(ctx context.Context, envelope AlertEnvelope) error {
	ack, err := c.postForAck(ctx, "/alerts", envelope)
	if err != nil {
		return err
	}
	if !ack.Ack {
		return errs.New(componentName, errs.CodeRemote,
			errs.WithMessage("alert post returned no acknowledgement"))
	}
	return nil
}

// PostHeartbeatBatch delivers a heartbeat batch in a single call. The batch
// acknowledgement covers every member; no partial ack is modelled.
func (c *Client) PostHeartbeatBatch(ctx context.Context, items []HeartbeatEnvelope) error {
	if len(items) == 0 {
		return nil
	}
	body := struct {
		Items []HeartbeatEnvelope `json:"items"`
	}{Items: items}
	ack, err := c.postForAck(ctx, "/heartbeats/batch", body)
	if err != nil {
		return err
	}
	if !ack.Ack {
		return errs.New(componentName, errs.CodeRemote,
			errs.WithMessage("heartbeat batch returned no acknowledgement"))
	}
	return nil
}

// ResourceVersion fetches the remote version manifest for one resource type.
func (c *Client) ResourceVersion(ctx context.Context, resourceType syncstore.ResourceType) (VersionManifest, error) {
	var manifest VersionManifest
	endpoint := fmt.Sprintf("/resources/%s/version", url.PathEscape(string(resourceType)))
	if err := c.getJSON(ctx, endpoint, nil, &manifest); err != nil {
		return VersionManifest{}, err
	}
	if strings.TrimSpace(manifest.Hash) == "" {
		return VersionManifest{}, errs.New(componentName, errs.CodeRemote,
			errs.WithMessage(fmt.Sprintf("version manifest for %s missing hash", resourceType)))
	}
	return manifest, nil
}

// ContentManifest fetches the distributable content listing.
func (c *Client) ContentManifest(ctx context.Context) ([]ManifestEntry, error) {
	var entries []ManifestEntry
	if err := c.getJSON(ctx, "/content/manifest", nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// DownloadResource streams the resource artifact to destination, computing
// its hash along the way.
func (c *Client) DownloadResource(ctx context.Context, resourceType syncstore.ResourceType, destination string) (DownloadResult, error) {
	endpoint := fmt.Sprintf("/resources/%s/download", url.PathEscape(string(resourceType)))
	return c.download(ctx, endpoint, destination)
}

// DownloadContent streams one content file to destination, computing its hash
// along the way.
func (c *Client) DownloadContent(ctx context.Context, contentID, destination string) (DownloadResult, error) {
	endpoint := fmt.Sprintf("/content/%s/download", url.PathEscape(contentID))
	return c.download(ctx, endpoint, destination)
}

func (c *Client) postForAck(ctx context.Context, endpoint string, body any) (ackResponse, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return ackResponse{}, fmt.Errorf("encode %s body: %w", endpoint, err)
	}
	resp, err := c.do(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return ackResponse{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var ack ackResponse
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(&ack); err != nil {
		// Undecodable success bodies count as unacknowledged, not as
		// transport failures: prefer a redundant resend over silent loss.
		return ackResponse{}, errs.New(componentName, errs.CodeRemote,
			errs.WithMessage(fmt.Sprintf("decode %s acknowledgement", endpoint)),
			errs.WithCause(err))
	}
	c.authFailures.Store(0)
	return ack, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, params url.Values, out any) error {
	target := endpoint
	if len(params) > 0 {
		target = endpoint + "?" + params.Encode()
	}
	resp, err := c.do(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return errs.New(componentName, errs.CodeRemote,
			errs.WithMessage(fmt.Sprintf("decode %s response", endpoint)),
			errs.WithCause(err))
	}
	c.authFailures.Store(0)
	return nil
}

func (c *Client) download(ctx context.Context, endpoint, destination string) (DownloadResult, error) {
	resp, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return DownloadResult{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return DownloadResult{}, fmt.Errorf("create download directory: %w", err)
	}
	file, err := os.Create(filepath.Clean(destination))
	if err != nil {
		return DownloadResult{}, fmt.Errorf("create download file: %w", err)
	}

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(file, hasher), resp.Body)
	closeErr := file.Close()
	if err != nil {
		_ = os.Remove(destination)
		return DownloadResult{}, errs.New(componentName, errs.CodeNetwork,
			errs.WithMessage(fmt.Sprintf("stream %s", endpoint)),
			errs.WithCause(err))
	}
	if closeErr != nil {
		_ = os.Remove(destination)
		return DownloadResult{}, fmt.Errorf("close download file: %w", closeErr)
	}

	c.authFailures.Store(0)
	return DownloadResult{
		Path:     destination,
		SHA256:   hex.EncodeToString(hasher.Sum(nil)),
		ByteSize: written,
	}, nil
}

// do executes one authenticated request, classifying every failure into
// exactly one errs code.
func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader) (*http.Response, error) {
	if strings.TrimSpace(c.baseURL) == "" {
		return nil, errs.New(componentName, errs.CodeInvalid,
			errs.WithMessage("remote base URL not configured"))
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	requestCtx, cancel := context.WithTimeout(ctx, c.timeout)
	req, err := http.NewRequestWithContext(requestCtx, method, c.baseURL+endpoint, body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	creds := c.Credentials()
	if creds.Token != "" {
		req.Header.Set("Authorization", "Bearer "+creds.Token)
	}
	if creds.HubID != "" {
		req.Header.Set("X-Hub-ID", creds.HubID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, c.classifyTransport(endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		_ = resp.Body.Close()
		cancel()
		return nil, c.classifyStatus(endpoint, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	resp.Body = &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (c *Client) classifyTransport(endpoint string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.New(componentName, errs.CodeTimeout,
			errs.WithMessage(fmt.Sprintf("%s timed out", endpoint)),
			errs.WithCause(err))
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return errs.New(componentName, errs.CodeTimeout,
			errs.WithMessage(fmt.Sprintf("%s timed out", endpoint)),
			errs.WithCause(err))
	}
	return errs.New(componentName, errs.CodeNetwork,
		errs.WithMessage(fmt.Sprintf("%s unreachable", endpoint)),
		errs.WithCause(err))
}

func (c *Client) classifyStatus(endpoint string, status int, detail string) error {
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		c.authFailures.Add(1)
		return errs.New(componentName, errs.CodeAuth,
			errs.WithHTTP(status),
			errs.WithMessage(fmt.Sprintf("%s rejected credentials", endpoint)),
			errs.WithRemediation("re-pair the hub with the remote authority"))
	}
	return errs.New(componentName, errs.CodeRemote,
		errs.WithHTTP(status),
		errs.WithMessage(fmt.Sprintf("%s failed: %s", endpoint, detail)))
}

// cancelReadCloser ties the request context's cancel func to body close so
// streamed downloads keep their deadline until fully read.
type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func marshalBody(v any) (io.Reader, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}
	return bytes.NewReader(encoded), nil
}

func decodeBody(r io.Reader, out any) error {
	return json.NewDecoder(r).Decode(out)
}

// registerBackoff builds the retry policy used while the hub waits for the
// remote authority during registration.
func registerBackoff() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = registerMaxInterval
	return policy
}
