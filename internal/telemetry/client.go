package telemetry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Measurement and tag values written by endpoints
const (
	Measurement = "audio"
	DirectionTX = "TX"
	DirectionRX = "RX"
)

// errRetryable marks failures worth another attempt
var errRetryable = errors.New("retryable")

// Observation is one quality sample
type Observation struct {
	Direction string // TX or RX
	Port      int    // local port, 0 to omit the tag
	MOS       float64
	Time      time.Time // zero lets the server stamp the point
}

// Client writes observations to the InfluxDB v2 API
type Client struct {
	config     Config
	httpClient *http.Client
	writeURL   string
	logger     *slog.Logger

	// Statistics
	totalWrites   uint64
	successWrites uint64
	failedWrites  uint64
	totalRetries  uint64
	lastError     string

	mu sync.RWMutex
}

// ClientStats represents client statistics
type ClientStats struct {
	Enabled       bool   `json:"enabled"`
	TotalWrites   uint64 `json:"total_writes"`
	SuccessWrites uint64 `json:"success_writes"`
	FailedWrites  uint64 `json:"failed_writes"`
	TotalRetries  uint64 `json:"total_retries"`
	LastError     string `json:"last_error,omitempty"`
}

// NewClient creates a telemetry client. A disabled config yields a client whose writes are no-ops.
func NewClient(config Config, logger *slog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	c := &Client{
		config: config,
		logger: logger,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}

	if config.Enabled() {
		query := url.Values{}
		query.Set("org", config.Org)
		query.Set("bucket", config.Bucket)
		c.writeURL = strings.TrimRight(config.URL, "/") + "/api/v2/write?" + query.Encode()
	}

	return c, nil
}

// Enabled reports whether writes leave the process
func (c *Client) Enabled() bool {
	return c.writeURL != ""
}

// Write sends observations in one request, retrying transient failures with exponential backoff
func (c *Client) Write(ctx context.Context, observations ...Observation) error {
	if !c.Enabled() || len(observations) == 0 {
		return nil
	}

	var body bytes.Buffer
	for _, obs := range observations {
		body.WriteString(obs.Line())
		body.WriteByte('\n')
	}

	c.mu.Lock()
	c.totalWrites++
	c.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.mu.Lock()
			c.totalRetries++
			c.mu.Unlock()

			backoffTime := time.Duration(math.Pow(2, float64(attempt-1))) * 250 * time.Millisecond
			if backoffTime > 5*time.Second {
				backoffTime = 5 * time.Second
			}

			select {
			case <-time.After(backoffTime):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = c.doRequest(ctx, body.Bytes())
		if lastErr == nil {
			c.mu.Lock()
			c.successWrites++
			c.mu.Unlock()
			return nil
		}
		if !errors.Is(lastErr, errRetryable) {
			break
		}
		c.logger.Debug("Telemetry write failed, will retry",
			slog.Int("attempt", attempt+1),
			slog.String("error", lastErr.Error()),
		)
	}

	c.mu.Lock()
	c.failedWrites++
	c.lastError = lastErr.Error()
	c.mu.Unlock()

	return fmt.Errorf("telemetry write failed: %w", lastErr)
}

// doRequest performs a single write request
func (c *Client) doRequest(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.writeURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	req.Header.Set("Authorization", "Token "+c.config.Token)
	req.Header.Set("User-Agent", "media-endpoint/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("%w: HTTP request failed: %v", errRetryable, err)
	}
	defer resp.Body.Close()

	// 204 is the only success status of the write API
	if resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = fmt.Errorf("HTTP error %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %v", errRetryable, err)
	}
	return err
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ClientStats{
		Enabled:       c.Enabled(),
		TotalWrites:   c.totalWrites,
		SuccessWrites: c.successWrites,
		FailedWrites:  c.failedWrites,
		TotalRetries:  c.totalRetries,
		LastError:     c.lastError,
	}
}

// Line renders the observation in line protocol
func (o Observation) Line() string {
	var b strings.Builder
	b.WriteString(Measurement)
	b.WriteString(",type=")
	b.WriteString(escapeTag(o.Direction))
	if o.Port != 0 {
		b.WriteString(",port=")
		b.WriteString(strconv.Itoa(o.Port))
	}
	b.WriteString(" mos=")
	b.WriteString(strconv.FormatFloat(o.MOS, 'f', 6, 64))
	if !o.Time.IsZero() {
		b.WriteByte(' ')
		b.WriteString(strconv.FormatInt(o.Time.UnixNano(), 10))
	}
	return b.String()
}

var tagEscaper = strings.NewReplacer(",", `\,`, "=", `\=`, " ", `\ `)

func escapeTag(v string) string {
	return tagEscaper.Replace(v)
}
