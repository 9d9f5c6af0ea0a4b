package evidence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/meridianfield/sentinel/internal/model"
)

// ReplicationMode selects how the Replicator ships already-chained
// EvidenceBundle rows off the appliance.
type ReplicationMode string

const (
	// ModeProxy POSTs bundles to the Central Command upload endpoint,
	// reusing the teacher submitter's Bearer-authenticated JSON POST idiom.
	ModeProxy ReplicationMode = "proxy"
	// ModeDirect PUTs bundles straight to object storage with an
	// immutable-retention window, bypassing Central Command.
	ModeDirect ReplicationMode = "direct"
)

const (
	maxReplicationRetries = 5
	initialBackoff        = 2 * time.Second
	maxBackoff            = 2 * time.Minute
)

// EvidenceStore is the subset of Store the Replicator needs.
type EvidenceStore interface {
	ListUnuploadedEvidence() ([]*model.EvidenceBundle, error)
	RegisterUpload(u *model.UploadRecord) error
	GetUpload(bundleID string) (*model.UploadRecord, error)
	UpdateUpload(bundleID string, retryCount int, lastError string) error
}

// Replicator drains unuploaded EvidenceBundle rows, shipping each to its
// configured destination and recording the result so restarts never
// duplicate an upload.
type Replicator struct {
	store EvidenceStore

	mode ReplicationMode

	// Proxy mode fields.
	proxyEndpoint string
	apiKey        string

	// Direct mode fields.
	objectStoreEndpoint string
	bucket               string

	retentionDays int
	client        *http.Client
}

// ReplicatorConfig configures a Replicator. Exactly one of the proxy or
// direct field groups is used, selected by Mode.
type ReplicatorConfig struct {
	Mode          ReplicationMode
	SiteID        string
	ProxyEndpoint string
	APIKey        string

	ObjectStoreEndpoint string
	Bucket              string

	RetentionDays int
}

// NewReplicator builds a Replicator backed by store.
func NewReplicator(store EvidenceStore, cfg ReplicatorConfig) *Replicator {
	return &Replicator{
		store:                store,
		mode:                 cfg.Mode,
		proxyEndpoint:        strings.TrimRight(cfg.ProxyEndpoint, "/"),
		apiKey:               cfg.APIKey,
		objectStoreEndpoint:  strings.TrimRight(cfg.ObjectStoreEndpoint, "/"),
		bucket:               cfg.Bucket,
		retentionDays:        cfg.RetentionDays,
		client:               &http.Client{Timeout: 30 * time.Second},
	}
}

// ReplicateAll ships every unuploaded bundle, returning the count
// successfully replicated. A bundle that exhausts its retry budget is
// skipped (its retry_count/last_error are persisted so a later call can
// pick up where this one left off) rather than aborting the whole run.
func (r *Replicator) ReplicateAll(ctx context.Context) (int, error) {
	bundles, err := r.store.ListUnuploadedEvidence()
	if err != nil {
		return 0, fmt.Errorf("list unuploaded evidence: %w", err)
	}

	replicated := 0
	for _, b := range bundles {
		if err := r.replicateOne(ctx, b); err != nil {
			log.Printf("[evidence] replication failed for bundle %s: %v", b.ID, err)
			continue
		}
		replicated++
	}
	return replicated, nil
}

// replicateOne retries a single bundle with exponential backoff up to
// maxReplicationRetries, recording progress after each attempt.
func (r *Replicator) replicateOne(ctx context.Context, b *model.EvidenceBundle) error {
	existing, err := r.store.GetUpload(b.ID)
	if err == nil && existing != nil {
		return nil // already uploaded, idempotent no-op
	}

	retryCount := 0
	if existing != nil {
		retryCount = existing.RetryCount
	}

	backoff := initialBackoff
	var lastErr error
	for attempt := retryCount; attempt < maxReplicationRetries; attempt++ {
		var uris []string
		uris, lastErr = r.ship(ctx, b)
		if lastErr == nil {
			destinations, _ := json.Marshal(uris)
			return r.store.RegisterUpload(&model.UploadRecord{
				BundleID:      b.ID,
				Destinations:  string(destinations),
				RetentionDays: r.retentionDays,
				RetryCount:    attempt,
			})
		}

		if isAuthFailure(lastErr) {
			break // authentication failures fail fast, no point retrying
		}

		if uerr := r.store.UpdateUpload(b.ID, attempt+1, lastErr.Error()); uerr != nil {
			log.Printf("[evidence] failed to persist retry state for %s: %v", b.ID, uerr)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return fmt.Errorf("exhausted retries: %w", lastErr)
}

// ship dispatches to the configured replication mode and returns the
// remote URIs the destination reported.
func (r *Replicator) ship(ctx context.Context, b *model.EvidenceBundle) ([]string, error) {
	switch r.mode {
	case ModeDirect:
		return r.shipDirect(ctx, b)
	default:
		return r.shipProxy(ctx, b)
	}
}

type proxyPayload struct {
	Site          string `json:"site"`
	Reference     string `json:"reference"`
	Outcome       string `json:"outcome"`
	Timestamp     string `json:"timestamp"`
	Details       string `json:"details"`
	Signature     string `json:"signature"`
	ChainPosition int64  `json:"chain_position"`
	ChainHash     string `json:"chain_hash"`
	BundleHash    string `json:"bundle_hash"`
}

// shipProxy POSTs the bundle, already hash-chained and signed, to the
// Central Command upload endpoint. Grounded on the teacher submitter's
// Bearer-authenticated JSON POST.
func (r *Replicator) shipProxy(ctx context.Context, b *model.EvidenceBundle) ([]string, error) {
	payload := proxyPayload{
		Site: b.Site, Reference: b.Reference, Outcome: b.Outcome,
		Timestamp: b.Timestamp.Format(time.RFC3339), Details: b.Details,
		Signature: b.Signature, ChainPosition: b.ChainPosition,
		ChainHash: b.ChainHash, BundleHash: b.BundleHash,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal evidence payload: %w", err)
	}

	url := r.proxyEndpoint + "/api/evidence/sites/" + b.Site + "/submit"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submit evidence: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &authError{fmt.Errorf("evidence submit returned %d: %s", resp.StatusCode, string(respBody))}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("evidence submit returned %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		RemoteURI string `json:"remote_uri"`
	}
	_ = json.Unmarshal(respBody, &result)
	if result.RemoteURI == "" {
		result.RemoteURI = url
	}
	return []string{result.RemoteURI}, nil
}

// shipDirect PUTs the bundle straight to object storage with an
// immutable-retention window. There is no object-storage client library in
// the retrieved example set that justifies pulling one in for a single PUT
// call, so this uses net/http directly.
func (r *Replicator) shipDirect(ctx context.Context, b *model.EvidenceBundle) ([]string, error) {
	key := fmt.Sprintf("%s/%020d-%s.json", b.Site, b.ChainPosition, b.ID)
	url := r.objectStoreEndpoint + "/" + r.bucket + "/" + key

	body, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("marshal evidence bundle: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-amz-object-lock-mode", "COMPLIANCE")
	req.Header.Set("x-amz-object-lock-retain-until-date",
		time.Now().UTC().AddDate(0, 0, r.retentionDays).Format(time.RFC3339))

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("put evidence object: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &authError{fmt.Errorf("object put returned %d: %s", resp.StatusCode, string(respBody))}
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("object put returned %d: %s", resp.StatusCode, string(respBody))
	}
	return []string{url}, nil
}

// authError marks a failure as an authentication failure so replicateOne
// can fail fast instead of retrying.
type authError struct{ error }

func isAuthFailure(err error) bool {
	_, ok := err.(*authError)
	return ok
}
