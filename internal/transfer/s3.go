package transfer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsmiddleware "github.com/aws/aws-sdk-go-v2/aws/middleware"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/openmined/syftmirror/internal/syncerr"
)

// S3Options configures the S3 transport. Without keys the default AWS credential
// chain is used; Endpoint switches to path-style addressing for S3 compatible stores.
type S3Options struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	UserAgent string
}

// S3Transport implements Transport for s3://bucket/key URLs.
type S3Transport struct {
	client *s3.Client
}

func NewS3Transport(ctx context.Context, opts S3Options) (*S3Transport, error) {
	loadOpts := []func(*config.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
		if opts.UserAgent != "" {
			o.APIOptions = append(o.APIOptions, awsmiddleware.AddUserAgentKey(opts.UserAgent))
		}
	})

	return &S3Transport{client: client}, nil
}

// NewS3TransportWithClient wraps an already configured client.
func NewS3TransportWithClient(client *s3.Client) *S3Transport {
	return &S3Transport{client: client}
}

func (t *S3Transport) Head(ctx context.Context, rawURL string) (int64, error) {
	bucket, key, err := parseS3URL(rawURL)
	if err != nil {
		return 0, err
	}

	out, err := t.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		return 0, s3Err(ctx, http.MethodHead, rawURL, err)
	}
	if out.ContentLength == nil {
		return 0, &syncerr.TransferError{Method: http.MethodHead, URL: rawURL, StatusCode: http.StatusOK, Reason: "response has no content length"}
	}
	return *out.ContentLength, nil
}

func (t *S3Transport) Get(ctx context.Context, rawURL string, offset, size int64) (*Response, error) {
	bucket, key, err := parseS3URL(rawURL)
	if err != nil {
		return nil, err
	}

	in := &s3.GetObjectInput{Bucket: &bucket, Key: &key}
	outcome := RangeNotRequested
	if offset > 0 {
		in.Range = aws.String(RangeHeader(offset, size))
		outcome = RangeHonored
	}

	out, err := t.client.GetObject(ctx, in)
	if err != nil {
		return nil, s3Err(ctx, http.MethodGet, rawURL, err)
	}

	return &Response{Body: out.Body, Outcome: outcome, ContentLength: aws.ToInt64(out.ContentLength)}, nil
}

func parseS3URL(rawURL string) (bucket, key string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", &syncerr.ParseError{Kind: syncerr.InvalidSource, Value: rawURL, Err: err}
	}
	bucket, key = u.Host, strings.TrimPrefix(u.Path, "/")
	if u.Scheme != "s3" || bucket == "" || key == "" {
		return "", "", &syncerr.ParseError{Kind: syncerr.InvalidSource, Value: rawURL, Err: errors.New("expected s3://bucket/key")}
	}
	return bucket, key, nil
}

// s3Err keeps HTTP status failures as TransferError and everything else as network faults.
func s3Err(ctx context.Context, method, rawURL string, err error) error {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() > 0 {
		return &syncerr.TransferError{Method: method, URL: rawURL, StatusCode: respErr.HTTPStatusCode()}
	}
	return wrapRequestErr(ctx, method, rawURL, err)
}
