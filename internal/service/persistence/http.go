package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/wsuo/argochainhub-platform-sub001/internal/logging"
	"github.com/wsuo/argochainhub-platform-sub001/internal/model/conversation"
)

const (
	defaultRetryInitialInterval = 500 * time.Millisecond
	defaultRetryMaxInterval     = 5 * time.Second
	maxResponseBody             = 4 << 10
)

// HTTPConfig describes the storage service endpoint.
type HTTPConfig struct {
	URL   string
	Token string
	// Retries is the number of extra attempts after a transient failure.
	Retries         uint64
	InitialInterval time.Duration
	Client          *http.Client
}

// HTTPGateway posts records as JSON to a storage service.
type HTTPGateway struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTPGateway builds a gateway for cfg.
func NewHTTPGateway(cfg HTTPConfig) *HTTPGateway {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = defaultRetryInitialInterval
	}
	return &HTTPGateway{cfg: cfg, client: client}
}

type storageReply struct {
	Success *bool  `json:"success"`
	Message string `json:"message"`
}

// Persist posts record. A `{"success":false}` reply is a reported failure
// and is not retried; transport errors and 5xx responses are.
func (g *HTTPGateway) Persist(ctx context.Context, record conversation.Record) (Result, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return Result{}, fmt.Errorf("encode record: %w", err)
	}

	var result Result
	attempt := 0
	operation := func() error {
		attempt++
		res, err := g.post(ctx, payload)
		if err != nil {
			return err
		}
		result = res
		return nil
	}

	notify := func(err error, wait time.Duration) {
		logging.Warn().Err(err).
			Str("conversation_id", record.ConversationID).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("persist attempt failed")
	}

	if err := backoff.RetryNotify(operation, g.newBackoff(ctx), notify); err != nil {
		return Result{}, err
	}
	return result, nil
}

func (g *HTTPGateway) newBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.cfg.InitialInterval
	b.MaxInterval = defaultRetryMaxInterval
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0.5
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, g.cfg.Retries), ctx)
}

func (g *HTTPGateway) post(ctx context.Context, payload []byte) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return Result{}, backoff.Permanent(fmt.Errorf("build storage request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if g.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.Token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("send storage request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	switch {
	case resp.StatusCode >= 500:
		return Result{}, fmt.Errorf("storage returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	case resp.StatusCode >= 300:
		return Result{}, backoff.Permanent(fmt.Errorf("storage returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body)))
	}

	var reply storageReply
	if err := json.Unmarshal(body, &reply); err == nil && reply.Success != nil {
		return Result{Success: *reply.Success, Message: reply.Message}, nil
	}
	return Result{Success: true}, nil
}
