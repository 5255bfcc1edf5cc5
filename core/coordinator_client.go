package core

// coordinatorHTTPClient is AggregationCoordinator's HTTP-coordinator-mode
// transport: it POSTs shares to, and polls, the HTTP coordinator service
// implemented in package coordinator.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"
)

type coordinatorHTTPClient struct {
	baseURL string
	client  *http.Client
}

func newCoordinatorHTTPClient(baseURL string) *coordinatorHTTPClient {
	return &coordinatorHTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *coordinatorHTTPClient) submitSignature(ctx context.Context, share BlsSignatureShare, output []byte) error {
	body, err := json.Marshal(NewWireShare(share, output, ""))
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/tasks/%d/%d/signatures", c.baseURL, share.ServiceId, share.CallId)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return &ThresholdNotMetError{Kind: AggCoordinatorUnavailable, Err: err}
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusConflict:
		return &ThresholdNotMetError{Kind: AggDuplicateShare, Err: fmt.Errorf("conflicting share already submitted")}
	case http.StatusPreconditionFailed:
		return nil // accepted, threshold just not yet met
	default:
		return &ThresholdNotMetError{Kind: AggCoordinatorUnavailable, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
}

func (c *coordinatorHTTPClient) getAggregated(ctx context.Context, svc ServiceId, call CallId) (*AggregatedSignature, error) {
	url := fmt.Sprintf("%s/tasks/%d/%d/aggregated", c.baseURL, svc, call)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &ThresholdNotMetError{Kind: AggCoordinatorUnavailable, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusPreconditionFailed {
		return nil, &ThresholdNotMetError{Kind: AggThresholdNotMet}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ThresholdNotMetError{Kind: AggCoordinatorUnavailable, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	var wire WireAggregatedSignature
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, err
	}
	return wire.ToAggregatedSignature(), nil
}

// WireAggregatedSignature is the HTTP JSON representation of
// AggregatedSignature; big.Int and []uint32 need explicit (de)serialization
// to survive the coordinator round trip.
type WireAggregatedSignature struct {
	Signature               []byte   `json:"signature"`
	AggregatePublicKey      []byte   `json:"aggregate_public_key"`
	SignerBitmapHex         string   `json:"signer_bitmap_hex"`
	NonSignerIndices        []uint32 `json:"non_signer_indices"`
	ContributorsStakeWeight uint64   `json:"contributors_stake_weight"`
}

func NewWireAggregatedSignature(agg *AggregatedSignature) WireAggregatedSignature {
	bitmap := agg.SignerBitmap
	if bitmap == nil {
		bitmap = new(big.Int)
	}
	return WireAggregatedSignature{
		Signature:               agg.Signature,
		AggregatePublicKey:      agg.AggregatePublicKey,
		SignerBitmapHex:         bitmap.Text(16),
		NonSignerIndices:        agg.NonSignerIndices,
		ContributorsStakeWeight: agg.ContributorsStakeWeight,
	}
}

func (w WireAggregatedSignature) ToAggregatedSignature() *AggregatedSignature {
	bitmap := new(big.Int)
	bitmap.SetString(w.SignerBitmapHex, 16)
	return &AggregatedSignature{
		Signature:               w.Signature,
		AggregatePublicKey:      w.AggregatePublicKey,
		SignerBitmap:            bitmap,
		NonSignerIndices:        w.NonSignerIndices,
		ContributorsStakeWeight: w.ContributorsStakeWeight,
	}
}
