package erpsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/marketplace_backend/utils"
)

// AgentTransport is the synchronous request/response channel to a vendor-side
// agent. Both calls are idempotent and safe to retry.
type AgentTransport interface {
	FetchChecksum(ctx context.Context, keyRange KeyRange) (string, error)
	FetchEntities(ctx context.Context, keyRange KeyRange) ([]AgentEntity, error)
}

type agentClient struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
	limiter   <-chan time.Time
}

// NewAgentClient builds the HTTP transport for one agent endpoint. The API key
// is the outbound service credential presented on every call; agents verify it
// on their side.
func NewAgentClient(agentURL string, apiKey string) (AgentTransport, error) {
	apiKeyHeader := strings.TrimSpace(os.Getenv("AGENT_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-Agent-Token"
	}
	if strings.TrimSpace(agentURL) == "" {
		return nil, errors.New("agent url is empty")
	}
	rateLimitPerMin := int64(60)
	if v := strings.TrimSpace(os.Getenv("AGENT_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	return &agentClient{
		baseURL:   strings.TrimRight(agentURL, "/"),
		apiKey:    apiKey,
		apiKeyHdr: apiKeyHeader,
		http:      &http.Client{Timeout: 30 * time.Second},
		limiter:   time.Tick(interval),
	}, nil
}

type checksumResponse struct {
	Digest string `json:"digest"`
}

type entitiesResponse struct {
	Items []AgentEntity `json:"items"`
}

func (c *agentClient) FetchChecksum(ctx context.Context, keyRange KeyRange) (string, error) {
	body, err := c.get(ctx, "/v1/catalog/checksum", keyRange)
	if err != nil {
		return "", err
	}
	var parsed checksumResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", err
	}
	if parsed.Digest == "" {
		return "", errors.New("agent returned empty digest")
	}
	return parsed.Digest, nil
}

func (c *agentClient) FetchEntities(ctx context.Context, keyRange KeyRange) ([]AgentEntity, error) {
	body, err := c.get(ctx, "/v1/catalog/entities", keyRange)
	if err != nil {
		return nil, err
	}
	var parsed entitiesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	return parsed.Items, nil
}

func (c *agentClient) get(ctx context.Context, path string, keyRange KeyRange) ([]byte, error) {
	// The rate-limit wait must not outlive the caller.
	select {
	case <-c.limiter:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, utils.ErrComparisonTimeout
		}
		return nil, utils.Transient(ctx.Err())
	}

	params := url.Values{}
	params.Set("low", keyRange.Low)
	if keyRange.High != "" {
		params.Set("high", keyRange.High)
	}
	endpoint := c.baseURL + path + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, utils.ErrComparisonTimeout
		}
		// Network failures talking to an agent are transient.
		return nil, utils.Transient(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 500 {
		return nil, utils.Transient(fmt.Errorf("agent error %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("agent error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
