package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/txplain/logdecoder/internal/models"
)

// ErrUnexpectedResponse is returned when the service answers with something
// other than a list of ABI fragments.
var ErrUnexpectedResponse = errors.New("signature service: unexpected response")

// SignatureService resolves raw log topics and data into candidate ABI
// event fragments, best guess first.
type SignatureService interface {
	Enabled() bool
	DecodeEvent(ctx context.Context, topics [4]*common.Hash, data []byte) ([]models.ABIEntry, error)
}

// SignatureClient talks to a sig-provider style HTTP service
type SignatureClient struct {
	client  *http.Client
	baseURL string
	enabled bool
}

// NewSignatureClient creates a new signature service client. A client with
// an empty base URL is always disabled.
func NewSignatureClient(baseURL string, enabled bool, timeout time.Duration) *SignatureClient {
	return &SignatureClient{
		client: &http.Client{
			Timeout: timeout,
		},
		baseURL: strings.TrimRight(baseURL, "/"),
		enabled: enabled,
	}
}

// Enabled reports whether the service may be queried
func (sc *SignatureClient) Enabled() bool {
	return sc.enabled && sc.baseURL != ""
}

// DecodeEvent queries GET /api/v1/abi/event?topics=<t0,t1,..>&data=<hex>.
// An empty list is returned as (nil, nil).
func (sc *SignatureClient) DecodeEvent(ctx context.Context, topics [4]*common.Hash, data []byte) ([]models.ABIEntry, error) {
	var present []string
	for _, t := range topics {
		if t != nil {
			present = append(present, t.Hex())
		}
	}

	query := url.Values{}
	query.Set("topics", strings.Join(present, ","))
	query.Set("data", hexutil.Encode(data))
	endpoint := fmt.Sprintf("%s/api/v1/abi/event?%s", sc.baseURL, query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := sc.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("signature service returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return parseFragments(body)
}

func parseFragments(body []byte) ([]models.ABIEntry, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, ErrUnexpectedResponse
	}
	var fragments []models.ABIEntry
	if err := json.Unmarshal(trimmed, &fragments); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	if len(fragments) == 0 {
		return nil, nil
	}
	return fragments, nil
}
