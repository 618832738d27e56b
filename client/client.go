// Package client is the REST gateway for files and data sets served by a
// z/OSMF-style restfiles API.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"zedit/internal/errors"
	"zedit/internal/logging"
	"zedit/internal/remote"
	"zedit/shared/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	filesPath    = "/zosmf/restfiles/fs"
	datasetsPath = "/zosmf/restfiles/ds/"

	headerCSRF       = "X-CSRF-ZOSMF-HEADER"
	headerReturnTag  = "X-IBM-Return-Etag"
	headerDataType   = "X-IBM-Data-Type"
	headerRequestID  = "X-Request-ID"
	maxErrorBodySize = 64 << 10
)

type Config struct {
	BaseURL            string
	Credentials        remote.Credentials
	RejectUnauthorized bool
	Timeout            time.Duration
	Retry              remote.RetryConfig
	Binary             bool // transfer content untranslated
	Logger             *logging.Logger
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	creds      remote.Credentials
	retry      remote.RetryConfig
	binary     bool
	logger     *logging.Logger
}

func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errors.ValidationError(fmt.Sprintf("invalid remote base URL %q", cfg.BaseURL), nil)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = remote.DefaultRetryConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !cfg.RejectUnauthorized {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		baseURL: base.String(),
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		creds:  cfg.Credentials,
		retry:  cfg.Retry,
		binary: cfg.Binary,
		logger: cfg.Logger,
	}, nil
}

// Fetch downloads target and the ETag the server reports for it.
func (c *Client) Fetch(ctx context.Context, target shared.Target) (shared.Snapshot, error) {
	endpoint, err := c.resourceURL(target)
	if err != nil {
		return shared.Snapshot{}, err
	}

	resp, _, err := c.send(ctx, http.MethodGet, endpoint, nil, func(req *http.Request) {
		req.Header.Set(headerReturnTag, "true")
	})
	if err != nil {
		return shared.Snapshot{}, wrap(err, target)
	}

	tag := resp.header.Get("ETag")
	if tag == "" {
		return shared.Snapshot{}, errors.RemoteUnavailable("server did not return a version tag", nil).WithTarget(target.String())
	}

	c.logger.Debug("fetched",
		zap.String("target", target.String()),
		zap.String("etag", tag),
		zap.Int("size", len(resp.body)))
	return shared.Snapshot{Content: resp.body, VersionTag: tag}, nil
}

// Upload writes content only if the server still holds expectedTag.
func (c *Client) Upload(ctx context.Context, target shared.Target, content []byte, expectedTag string) (string, error) {
	if expectedTag == "" {
		return "", errors.ValidationError("upload requires a version tag", nil).WithTarget(target.String())
	}
	endpoint, err := c.resourceURL(target)
	if err != nil {
		return "", err
	}

	resp, attempts, err := c.send(ctx, http.MethodPut, endpoint, content, func(req *http.Request) {
		req.Header.Set("If-Match", expectedTag)
		req.Header.Set(headerReturnTag, "true")
		if c.binary {
			req.Header.Set("Content-Type", "application/octet-stream")
		} else {
			req.Header.Set("Content-Type", "text/plain")
		}
	})
	if err != nil {
		if attempts > 1 && errors.IsType(err, errors.ErrorTypeVersionConflict) {
			// An earlier attempt may have landed before its response was lost.
			if tag, ok := c.confirmWritten(ctx, target, content); ok {
				c.logger.Info("retried upload had already been applied",
					zap.String("target", target.String()),
					zap.String("etag", tag))
				return tag, nil
			}
		}
		return "", wrap(err, target)
	}

	tag := resp.header.Get("ETag")
	if tag == "" {
		// A read-back tag is only ours if the remote still holds our bytes.
		confirmed, ok := c.confirmWritten(ctx, target, content)
		if !ok {
			return "", errors.RemoteUnavailable(
				"upload was accepted but the server returned no version tag for it", nil).WithTarget(target.String())
		}
		c.logger.Warn("upload response carried no ETag, using the tag of the matching remote content",
			zap.String("target", target.String()))
		tag = confirmed
	}

	c.logger.Debug("uploaded",
		zap.String("target", target.String()),
		zap.String("expected", expectedTag),
		zap.String("etag", tag))
	return tag, nil
}

// confirmWritten reports the remote tag when the remote content equals content.
func (c *Client) confirmWritten(ctx context.Context, target shared.Target, content []byte) (string, bool) {
	snap, err := c.Fetch(ctx, target)
	if err != nil || !bytes.Equal(snap.Content, content) {
		return "", false
	}
	return snap.VersionTag, true
}

func (c *Client) resourceURL(target shared.Target) (string, error) {
	switch target.Kind {
	case shared.KindUSS:
		segments := strings.Split(strings.TrimPrefix(target.Path, "/"), "/")
		for i, s := range segments {
			segments[i] = url.PathEscape(s)
		}
		return c.baseURL + filesPath + "/" + strings.Join(segments, "/"), nil
	case shared.KindDataset:
		name := target.Path
		if target.Member != "" {
			name += "(" + target.Member + ")"
		}
		return c.baseURL + datasetsPath + url.PathEscape(name), nil
	default:
		return "", errors.ValidationError(fmt.Sprintf("REST remote cannot serve %s targets", target.Kind), nil).WithTarget(target.String())
	}
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// send performs one request with transport retries and reports how many
// attempts it made. Only connection failures, 429 and 5xx are retried.
func (c *Client) send(ctx context.Context, method, endpoint string, body []byte, prepare func(*http.Request)) (*response, int, error) {
	requestID := uuid.NewString()
	attempts := 0

	resp, err := remote.DoWithResult(ctx, c.retry, func() (*response, error) {
		attempts++
		req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set(headerCSRF, "true")
		req.Header.Set(headerRequestID, requestID)
		if c.binary {
			req.Header.Set(headerDataType, "binary")
		} else {
			req.Header.Set(headerDataType, "text")
		}
		if c.creds.User != "" {
			req.SetBasicAuth(c.creds.User, c.creds.Password)
		}
		prepare(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Debug("request failed", zap.String("method", method), zap.String("request_id", requestID), zap.Error(err))
			return nil, remote.Retryable(errors.RemoteUnavailable("cannot reach remote", err))
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, remote.Retryable(errors.RemoteUnavailable("reading response", err))
		}

		r := &response{status: resp.StatusCode, header: resp.Header, body: data}
		if err := statusError(r); err != nil {
			c.logger.Debug("request rejected",
				zap.String("method", method),
				zap.String("request_id", requestID),
				zap.Int("status", r.status))
			if r.status == http.StatusTooManyRequests || r.status >= 500 {
				return nil, remote.Retryable(err)
			}
			return nil, err
		}
		return r, nil
	})
	return resp, attempts, err
}

func statusError(r *response) error {
	switch {
	case r.status >= 200 && r.status < 300:
		return nil
	case r.status == http.StatusPreconditionFailed:
		return errors.VersionConflict("remote file changed since it was downloaded", r.header.Get("ETag"))
	case r.status == http.StatusNotFound:
		return errors.RemoteNotFound(serverMessage(r, "remote file not found"), nil)
	case r.status == http.StatusUnauthorized || r.status == http.StatusForbidden:
		return errors.RemoteUnavailable(serverMessage(r, "remote rejected the credentials"), nil)
	default:
		return errors.RemoteUnavailable(serverMessage(r, fmt.Sprintf("unexpected status: %d", r.status)), nil)
	}
}

// restError is the JSON body restfiles returns on failure
type restError struct {
	Category int    `json:"category"`
	RC       int    `json:"rc"`
	Reason   int    `json:"reason"`
	Message  string `json:"message"`
}

func serverMessage(r *response, fallback string) string {
	if len(r.body) == 0 || len(r.body) > maxErrorBodySize {
		return fallback
	}
	var e restError
	if err := json.Unmarshal(r.body, &e); err != nil || e.Message == "" {
		return fallback
	}
	return fmt.Sprintf("%s (status %d, rc %d, reason %d)", e.Message, r.status, e.RC, e.Reason)
}

func wrap(err error, target shared.Target) error {
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Aborted("request cancelled", err).WithTarget(target.String())
	}
	var e *errors.Error
	if stderrors.As(err, &e) {
		return e.WithTarget(target.String())
	}
	return errors.RemoteUnavailable("request failed", err).WithTarget(target.String())
}
