package observation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

// ErrUnsupportedCoin is returned by a source that does not cover a coin or
// currency. Fallback chains skip such sources.
var ErrUnsupportedCoin = errors.New("unsupported by source")

// NetworkError reports a source that could not be reached or answered
// with an unusable response.
type NetworkError struct {
	Source string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Source, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.status, e.body)
}

// NewHttpClient returns the client shared by every source.
func NewHttpClient(timeout time.Duration) (*http.Client, error) {
	tr := &http.Transport{
		ResponseHeaderTimeout: timeout,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: 30 * time.Second,
			Timeout:   timeout,
		}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   timeout,
		MaxIdleConnsPerHost:   5,
		ExpectContinueTimeout: 5 * time.Second,
	}

	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, err
	}

	return &http.Client{
		Transport: tr,
		Timeout:   timeout,
	}, nil
}

// fetcher performs GET requests with retries on network failures and 5xx
// responses, bounded by maxElapsed.
type fetcher struct {
	client     *http.Client
	maxElapsed time.Duration
}

func (f *fetcher) getJSON(ctx context.Context, source, url string, dest any) error {
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := f.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			statusErr := &statusError{status: resp.StatusCode, body: string(body)}
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return statusErr
			}
			return backoff.Permanent(statusErr)
		}

		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			return backoff.Permanent(fmt.Errorf("unable to decode response: %w", err))
		}
		return nil
	}

	var bckoff backoff.BackOff = &backoff.StopBackOff{}
	if f.maxElapsed > 0 {
		bckoff = backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(200*time.Millisecond),
			backoff.WithMaxElapsedTime(f.maxElapsed),
		)
	}
	notify := func(err error, wait time.Duration) {
		zap.L().Debug("Retrying observation request",
			zap.String("source", source),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(bckoff, ctx), notify); err != nil {
		return &NetworkError{Source: source, Err: err}
	}
	return nil
}
