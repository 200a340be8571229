package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"c2cpipeline/internal/types"
)

// UtilityAPIConfig configures UtilityAPIClient.
type UtilityAPIConfig struct {
	BaseURL string
	Token   types.SecretString
	Timeout time.Duration
	Logger  *slog.Logger
}

// UtilityAPIClient reads meter data (bills, intervals) from the utility data
// API. Requests carry the bearer token and go through BaseClient.
type UtilityAPIClient struct {
	base    *BaseClient
	baseURL string
	token   types.SecretString
	logger  *slog.Logger
}

// NewUtilityAPIClient creates a client for cfg.BaseURL. Timeout defaults to
// 30s.
func NewUtilityAPIClient(cfg UtilityAPIConfig, opts ...BaseClientOption) *UtilityAPIClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &UtilityAPIClient{
		base:    NewBaseClient(&http.Client{Timeout: timeout}, "utilityapi", DefaultRetryPolicy(), "", opts...),
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		token:   cfg.Token,
		logger:  logger,
	}
}

// FetchMeter returns the raw response document for one meter, or ok=false
// when the meter is unknown (404) or the document holds no records under the
// fileType key.
func (c *UtilityAPIClient) FetchMeter(ctx context.Context, fileType, utility, meter string) (doc json.RawMessage, ok bool, err error) {
	q := url.Values{}
	q.Set("meters", meter)
	q.Set("utility", utility)
	endpoint := fmt.Sprintf("%s/%s?%s", c.baseURL, url.PathEscape(fileType), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, false, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build utility API request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token.Unmask())
	req.Header.Set("Accept", "application/json")

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		c.logger.WarnContext(ctx, "meter not found", "file_type", fileType, "meter", meter)
		return nil, false, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, false, types.NewAppError(types.ErrCodeConfigInvalid, "utility API rejected the token", nil)
	case resp.StatusCode >= 400:
		return nil, false, types.NewAppErrorWithDetails(types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("utility API returned %d", resp.StatusCode), nil, map[string]any{"meter": meter})
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, types.NewAppError(types.ErrCodeUpstreamUnavailable, "failed to read utility API response", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, false, types.NewAppError(types.ErrCodeParseInvalidInput, "utility API returned invalid JSON", err)
	}
	if !hasRecords(fields[fileType]) {
		c.logger.InfoContext(ctx, "meter has no records", "file_type", fileType, "meter", meter)
		return nil, false, nil
	}

	compact, err := compactJSON(body)
	if err != nil {
		return nil, false, types.NewAppError(types.ErrCodeParseInvalidInput, "utility API returned invalid JSON", err)
	}
	return compact, true, nil
}

// FetchNDJSON fetches every meter and joins the non-empty documents as
// newline-delimited JSON.
func (c *UtilityAPIClient) FetchNDJSON(ctx context.Context, fileType, utility string, meters []string) ([]byte, int, error) {
	var (
		out   []byte
		count int
	)
	for _, m := range meters {
		doc, ok, err := c.FetchMeter(ctx, fileType, utility, m)
		if err != nil {
			return nil, count, fmt.Errorf("meter %s: %w", m, err)
		}
		if !ok {
			continue
		}
		out = append(out, doc...)
		out = append(out, '\n')
		count++
	}
	return out, count, nil
}

// hasRecords reports whether v is a non-empty, non-null JSON value.
func hasRecords(v json.RawMessage) bool {
	s := strings.TrimSpace(string(v))
	switch s {
	case "", "null", "[]", "{}", `""`, "false", "0":
		return false
	}
	return true
}

func compactJSON(b []byte) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
