// Package fetcher downloads release manifests and bundle files over HTTP.
package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/unbasical/airborne/common"
	"github.com/unbasical/airborne/internal/pkg/api/apicommon"
	"github.com/unbasical/airborne/internal/pkg/core/metrics"
	"github.com/unbasical/airborne/internal/pkg/utils/fileutils"
	"github.com/unbasical/airborne/internal/pkg/utils/writerutils"
	"github.com/unbasical/airborne/pkg/backoff"
	"github.com/unbasical/airborne/pkg/client/updater/inspector"
	"github.com/unbasical/airborne/pkg/constants"
	"github.com/unbasical/airborne/pkg/errdef"
)

const maxErrorBody = 4 << 10

// PartialSuffix is appended to the destination while a download is in progress.
const PartialSuffix = ".part"

// ErrTooLarge is returned by FetchBytes when the body exceeds the limit.
var ErrTooLarge = errors.New("response body exceeds limit")

// ArtifactFetcher retrieves remote content.
type ArtifactFetcher interface {
	// Fetch downloads url to dst and returns the size of dst.
	// resumeFrom > 0 or an existing partial download continues with a range request.
	// Received bytes are added to progress, which may be nil.
	Fetch(ctx context.Context, url, dst string, resumeFrom int64, progress inspector.Counter) (int64, error)
	// FetchBytes downloads a small document into memory.
	FetchBytes(ctx context.Context, url string, limit int64, header http.Header) ([]byte, error)
}

// StatusError is an unexpected HTTP response status.
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
	// Detail is the error body of a release server, if the response carried one.
	Detail *apicommon.APIError
}

func (e *StatusError) Error() string {
	if e.Detail != nil && e.Detail.InnerError.Message != "" {
		return fmt.Sprintf("unexpected status %q for %s: %s", e.Status, e.URL, e.Detail.InnerError.Message)
	}
	return fmt.Sprintf("unexpected status %q for %s", e.Status, e.URL)
}

func (e *StatusError) Unwrap() error {
	if e.Detail == nil {
		return nil
	}
	return *e.Detail
}

// transientError marks a failure that is worth another attempt.
type transientError struct {
	err        error
	retryAfter time.Duration
}

func (t *transientError) Error() string {
	return t.err.Error()
}

func (t *transientError) Unwrap() error {
	return t.err
}

func transient(err error, retryAfter time.Duration) error {
	return &transientError{err: err, retryAfter: retryAfter}
}

// HTTPDownloader implements ArtifactFetcher with retries, resumption and per attempt timeouts.
type HTTPDownloader struct {
	client         *http.Client
	maxAttempts    int
	requestTimeout time.Duration
	backoffBase    time.Duration
	backoffMax     time.Duration
	header         http.Header
}

// Option configures an HTTPDownloader.
type Option func(*HTTPDownloader)

// WithHTTPClient sets the client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(d *HTTPDownloader) {
		d.client = c
	}
}

// WithMaxAttempts bounds the number of attempts per call.
func WithMaxAttempts(n int) Option {
	return func(d *HTTPDownloader) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithRequestTimeout limits every single attempt.
func WithRequestTimeout(t time.Duration) Option {
	return func(d *HTTPDownloader) {
		d.requestTimeout = t
	}
}

// WithBackoff configures the exponential backoff between attempts.
func WithBackoff(base, maxDelay time.Duration) Option {
	return func(d *HTTPDownloader) {
		d.backoffBase = base
		d.backoffMax = maxDelay
	}
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) Option {
	return func(d *HTTPDownloader) {
		d.header.Add(key, value)
	}
}

// NewHTTPDownloader creates a downloader with three attempts and a 30s request timeout by default.
func NewHTTPDownloader(opts ...Option) *HTTPDownloader {
	d := &HTTPDownloader{
		client:         http.DefaultClient,
		maxAttempts:    3,
		requestTimeout: 30 * time.Second,
		backoffBase:    200 * time.Millisecond,
		backoffMax:     10 * time.Second,
		header:         make(http.Header),
	}
	d.header.Set("User-Agent", constants.UserAgent(common.Version()))
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *HTTPDownloader) newRequest(ctx context.Context, url string, header http.Header) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errdef.ErrNetwork, err)
	}
	for k, vs := range d.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	for k, vs := range header {
		req.Header.Del(k)
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return req, nil
}

// retry runs op until it succeeds, fails permanently or the attempts are used up.
func (d *HTTPDownloader) retry(ctx context.Context, url string, op func(ctx context.Context) error) error {
	bo := backoff.NewExponentialBackoffWithJitter(d.backoffBase, d.backoffMax, uint(d.maxAttempts))
	for attempt := 1; ; attempt++ {
		err := d.withTimeout(ctx, op)
		if err == nil {
			return nil
		}
		var te *transientError
		if !errors.As(err, &te) {
			return err
		}
		if attempt >= d.maxAttempts || ctx.Err() != nil {
			return te.err
		}
		metrics.DownloadRetriesCounter.Inc()
		log.WithError(err).Debugf("attempt %d/%d for %s failed", attempt, d.maxAttempts, url)
		if werr := bo.WaitAtLeast(ctx, te.retryAfter); werr != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %w", errdef.ErrNetwork, ctx.Err())
			}
			return te.err
		}
	}
}

func (d *HTTPDownloader) withTimeout(ctx context.Context, op func(ctx context.Context) error) error {
	if d.requestTimeout <= 0 {
		return op(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, d.requestTimeout)
	defer cancel()
	return op(actx)
}

// do sends the request and classifies transport failures.
func (d *HTTPDownloader) do(ctx, attemptCtx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := d.client.Do(req)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		// the caller gave up, this is not retried
		return nil, fmt.Errorf("%w: %w", errdef.ErrNetwork, ctx.Err())
	}
	if attemptCtx.Err() != nil {
		return nil, transient(fmt.Errorf("%w: request timed out: %w", errdef.ErrNetwork, err), 0)
	}
	return nil, transient(fmt.Errorf("%w: %w", errdef.ErrNetwork, err), 0)
}

func statusError(resp *http.Response) error {
	se := &StatusError{
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
	}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var detail apicommon.APIError
		if json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&detail) == nil {
			se.Detail = &detail
		}
	}
	err := fmt.Errorf("%w: %w", errdef.ErrNetwork, se)
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return transient(err, retryAfter(resp))
	}
	return err
}

// retryAfter parses the Retry-After header as seconds or as an HTTP date.
func retryAfter(resp *http.Response) time.Duration {
	v := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}

// FetchBytes downloads url into memory. Bodies larger than limit fail with ErrTooLarge.
func (d *HTTPDownloader) FetchBytes(ctx context.Context, url string, limit int64, header http.Header) ([]byte, error) {
	var data []byte
	err := d.retry(ctx, url, func(actx context.Context) error {
		req, err := d.newRequest(actx, url, header)
		if err != nil {
			return err
		}
		resp, err := d.do(ctx, actx, req)
		if err != nil {
			return err
		}
		defer func() {
			_ = resp.Body.Close()
		}()
		if resp.StatusCode != http.StatusOK {
			return statusError(resp)
		}
		var r io.Reader = resp.Body
		if limit > 0 {
			r = io.LimitReader(resp.Body, limit+1)
		}
		buf := bytes.Buffer{}
		n, err := io.Copy(&buf, r)
		metrics.DownloadBytesCounter.Add(float64(n))
		if err != nil {
			return transient(fmt.Errorf("%w: reading body: %w", errdef.ErrNetwork, err), 0)
		}
		if limit > 0 && n > limit {
			return fmt.Errorf("%w: %w (%d bytes)", errdef.ErrNetwork, ErrTooLarge, limit)
		}
		data = buf.Bytes()
		return nil
	})
	if err != nil {
		metrics.DownloadFailuresCounter.WithLabelValues(reason(err)).Inc()
		return nil, err
	}
	return data, nil
}

// Fetch downloads url to dst through dst+".part", which is synced and renamed once complete.
func (d *HTTPDownloader) Fetch(ctx context.Context, url, dst string, resumeFrom int64, progress inspector.Counter) (int64, error) {
	part := dst + PartialSuffix
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, fmt.Errorf("%w: %w", errdef.ErrStorage, err)
	}
	t := &transfer{
		d:        d,
		url:      url,
		part:     part,
		progress: progress,
	}
	if err := t.prepare(resumeFrom); err != nil {
		return 0, err
	}
	err := d.retry(ctx, url, func(actx context.Context) error {
		return t.attempt(ctx, actx)
	})
	if err != nil {
		metrics.DownloadFailuresCounter.WithLabelValues(reason(err)).Inc()
		return 0, err
	}
	if err := os.Rename(part, dst); err != nil {
		return 0, fmt.Errorf("%w: %w", errdef.ErrStorage, err)
	}
	if err := fileutils.SyncDir(filepath.Dir(dst)); err != nil {
		log.WithError(err).Debug("failed to sync download directory")
	}
	return t.offset, nil
}

// transfer is the state of one Fetch call across attempts.
type transfer struct {
	d        *HTTPDownloader
	url      string
	part     string
	progress inspector.Counter
	offset   int64
	// counted is the number of bytes this transfer added to progress
	counted int64
}

func (t *transfer) add(n int64) {
	t.counted += n
	if t.progress != nil {
		t.progress.Add(n)
	}
}

func (t *transfer) reset() error {
	t.add(-t.counted)
	t.offset = 0
	if err := os.Remove(t.part); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %w", errdef.ErrStorage, err)
	}
	return nil
}

// prepare picks up an existing partial download.
func (t *transfer) prepare(resumeFrom int64) error {
	info, err := os.Stat(t.part)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: %w", errdef.ErrStorage, err)
	}
	size := info.Size()
	if resumeFrom > 0 && resumeFrom < size {
		if err := os.Truncate(t.part, resumeFrom); err != nil {
			return fmt.Errorf("%w: %w", errdef.ErrStorage, err)
		}
		size = resumeFrom
	}
	t.offset = size
	t.add(size)
	if size > 0 {
		log.Debugf("resuming %s at byte %d", t.url, size)
	}
	return nil
}

func (t *transfer) attempt(ctx, actx context.Context) error {
	req, err := t.d.newRequest(actx, t.url, nil)
	if err != nil {
		return err
	}
	// transparent compression would break ranges and sizes
	req.Header.Set("Accept-Encoding", "identity")
	if t.offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", t.offset))
	}
	resp, err := t.d.do(ctx, actx, req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	flags := os.O_CREATE | os.O_WRONLY
	switch resp.StatusCode {
	case http.StatusPartialContent:
		if start, ok := rangeStart(resp); !ok || start != t.offset {
			if err := t.reset(); err != nil {
				return err
			}
			return transient(fmt.Errorf("%w: server returned a range that does not match the partial download", errdef.ErrNetwork), 0)
		}
		flags |= os.O_APPEND
	case http.StatusOK:
		if t.offset > 0 {
			log.Debugf("server ignored range request for %s, restarting", t.url)
		}
		if err := t.reset(); err != nil {
			return err
		}
		flags |= os.O_TRUNC
	case http.StatusRequestedRangeNotSatisfiable:
		if err := t.reset(); err != nil {
			return err
		}
		return transient(fmt.Errorf("%w: range not satisfiable, restarting", errdef.ErrNetwork), 0)
	default:
		return statusError(resp)
	}

	fp, err := os.OpenFile(t.part, flags, 0644)
	if err != nil {
		return fmt.Errorf("%w: %w", errdef.ErrStorage, err)
	}
	sf := writerutils.NewSafeFileWriter(fp)
	w := &trackingWriter{w: sf}
	n, copyErr := io.Copy(w, resp.Body)
	closeErr := sf.Close()
	t.offset += n
	t.add(n)
	metrics.DownloadBytesCounter.Add(float64(n))
	if w.err != nil {
		return fmt.Errorf("%w: writing %q: %w", errdef.ErrStorage, t.part, w.err)
	}
	if closeErr != nil {
		return fmt.Errorf("%w: %w", errdef.ErrStorage, closeErr)
	}
	resumable := resp.StatusCode == http.StatusPartialContent || resp.Header.Get("Accept-Ranges") == "bytes"
	if copyErr == nil && resp.ContentLength >= 0 && n != resp.ContentLength {
		copyErr = fmt.Errorf("received %d of %d bytes", n, resp.ContentLength)
	}
	if copyErr != nil {
		if !resumable {
			if err := t.reset(); err != nil {
				return err
			}
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", errdef.ErrNetwork, ctx.Err())
		}
		return transient(fmt.Errorf("%w: reading body: %w", errdef.ErrNetwork, copyErr), 0)
	}
	return nil
}

// trackingWriter remembers write errors so they can be told apart from read errors of io.Copy.
type trackingWriter struct {
	w   io.Writer
	err error
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if err != nil {
		t.err = err
	}
	return n, err
}

// rangeStart parses the first byte position of a Content-Range header.
func rangeStart(resp *http.Response) (int64, bool) {
	v := resp.Header.Get("Content-Range")
	v, ok := strings.CutPrefix(v, "bytes ")
	if !ok {
		return 0, false
	}
	start, _, ok := strings.Cut(v, "-")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(start, 10, 64)
	return n, err == nil
}

func reason(err error) string {
	var se *StatusError
	switch {
	case errors.As(err, &se):
		return strconv.Itoa(se.StatusCode)
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, errdef.ErrStorage):
		return "storage"
	default:
		return "transport"
	}
}
