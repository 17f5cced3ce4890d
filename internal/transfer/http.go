package transfer

import (
	"context"
	"net/http"

	"github.com/imroc/req/v3"
	"github.com/openmined/syftmirror/internal/syncerr"
)

const (
	HeaderUserAgent = "User-Agent"
	HeaderDeviceID  = "X-Syft-Device-Id"
	HeaderVersion   = "X-Syft-Version"
)

// HTTPOptions configures the HTTP transport. Empty values are not sent.
type HTTPOptions struct {
	UserAgent string
	DeviceID  string
	Version   string
}

type userAgentKey struct{}

// WithUserAgent overrides the transport's User-Agent for requests made with ctx.
func WithUserAgent(ctx context.Context, ua string) context.Context {
	if ua == "" {
		return ctx
	}
	return context.WithValue(ctx, userAgentKey{}, ua)
}

func userAgentFrom(ctx context.Context) string {
	ua, _ := ctx.Value(userAgentKey{}).(string)
	return ua
}

// HTTPTransport implements Transport for http and https URLs.
type HTTPTransport struct {
	client *req.Client
}

func NewHTTPTransport(opts HTTPOptions) *HTTPTransport {
	client := req.C().
		// downloads are bounded by the inactivity watchdog, not by a wall clock timeout
		SetTimeout(0).
		// bytes must reach the digest exactly as served
		DisableCompression().
		DisableAutoDecompress()

	if opts.UserAgent != "" {
		client.SetUserAgent(opts.UserAgent)
	}
	if opts.DeviceID != "" {
		client.SetCommonHeader(HeaderDeviceID, opts.DeviceID)
	}
	if opts.Version != "" {
		client.SetCommonHeader(HeaderVersion, opts.Version)
	}

	return &HTTPTransport{client: client}
}

func (t *HTTPTransport) request(ctx context.Context) *req.Request {
	r := t.client.R().SetContext(ctx)
	if ua := userAgentFrom(ctx); ua != "" {
		r.SetHeader(HeaderUserAgent, ua)
	}
	return r
}

func (t *HTTPTransport) Head(ctx context.Context, url string) (int64, error) {
	resp, err := t.request(ctx).Head(url)
	if err != nil {
		return 0, wrapRequestErr(ctx, http.MethodHead, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, &syncerr.TransferError{Method: http.MethodHead, URL: url, StatusCode: resp.StatusCode, Expected: []int{http.StatusOK}}
	}
	if resp.ContentLength < 0 {
		return 0, &syncerr.TransferError{Method: http.MethodHead, URL: url, StatusCode: resp.StatusCode, Reason: "response has no content length"}
	}
	return resp.ContentLength, nil
}

func (t *HTTPTransport) Get(ctx context.Context, url string, offset, size int64) (*Response, error) {
	r := t.request(ctx).DisableAutoReadResponse()

	ranged := offset > 0
	if ranged {
		r.SetHeader("Range", RangeHeader(offset, size))
	}

	resp, err := r.Get(url)
	if err != nil {
		return nil, wrapRequestErr(ctx, http.MethodGet, url, err)
	}

	outcome, err := DecideRange(ranged, resp.StatusCode)
	if err != nil {
		resp.Body.Close()
		if te, ok := err.(*syncerr.TransferError); ok {
			te.URL = url
		}
		return nil, err
	}

	return &Response{Body: resp.Body, Outcome: outcome, ContentLength: resp.ContentLength}, nil
}
