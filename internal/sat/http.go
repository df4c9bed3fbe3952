package sat

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	RIOR "github.com/IBM/fp-go/v2/context/readerioresult"
	Http "github.com/IBM/fp-go/v2/context/readerioresult/http"
	ET "github.com/IBM/fp-go/v2/either"
	"github.com/IBM/fp-go/v2/function"
	H "github.com/IBM/fp-go/v2/http"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/config"
)

// maxPackageSize bounds a single package body; SAT packages hold up to
// 200k CFDI and stay well below this.
const maxPackageSize = 512 << 20

type HTTPClient struct {
	BaseURL       string
	Timeout       time.Duration
	Logger        *zap.SugaredLogger
	Tracer        trace.Tracer
	client        Http.Client
	limiter       *rate.Limiter
	callsTotal    metric.Int64Counter
	callsFailed   metric.Int64Counter
	callDuration  metric.Int64Histogram
	downloadBytes metric.Int64Counter
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(
	cfg config.Config,
	tracer trace.Tracer,
	logger *zap.SugaredLogger,
	meter metric.Meter,
) (*HTTPClient, error) {
	c := &HTTPClient{
		BaseURL: strings.TrimRight(cfg.SAT.BaseURL, "/"),
		Timeout: cfg.SAT.Timeout,
		Logger:  logger,
		Tracer:  tracer,
		client:  Http.MakeClient(&http.Client{}),
	}
	// A zero rate_limit leaves the gateway unthrottled.
	if cfg.SAT.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.SAT.RateLimit), max(cfg.SAT.RateBurst, 1))
	}

	var err error
	c.callsTotal, err = meter.Int64Counter(
		"sat.calls.total",
		metric.WithDescription("Calls made to the SAT gateway"),
	)
	if err != nil {
		return nil, err
	}
	c.callsFailed, err = meter.Int64Counter(
		"sat.calls.failed",
		metric.WithDescription("Failed calls to the SAT gateway"),
	)
	if err != nil {
		return nil, err
	}
	c.callDuration, err = meter.Int64Histogram(
		"sat.call.duration",
		metric.WithDescription("Duration of SAT gateway calls"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	c.downloadBytes, err = meter.Int64Counter(
		"sat.download.bytes",
		metric.WithDescription("Package bytes received from the SAT gateway"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

type authRequest struct {
	RFC         string `json:"rfc"`
	Certificate string `json:"certificate"`
	PrivateKey  string `json:"privateKey"`
	Passphrase  string `json:"passphrase"`
}

type authResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type bulkRequestBody struct {
	RFC       string `json:"rfc"`
	Type      string `json:"type"`
	DateStart string `json:"dateStart"`
	DateEnd   string `json:"dateEnd"`
}

type bulkRequestResponse struct {
	RequestID         string `json:"requestId"`
	PackagesEstimated int    `json:"packagesEstimated"`
	Status            string `json:"status"`
	Code              string `json:"code"`
	Message           string `json:"message"`
}

type verifyResponse struct {
	State      string   `json:"state"`
	PackageIDs []string `json:"packageIds"`
	Code       string   `json:"code"`
	Message    string   `json:"message"`
}

type gatewayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// gatewayStatus unpacks a non-2xx answer into its status code and error body.
func gatewayStatus(err error) (int, gatewayError, bool) {
	var he *H.HttpError
	if !errors.As(err, &he) {
		return 0, gatewayError{}, false
	}
	var body gatewayError
	_ = json.Unmarshal(he.Body(), &body)
	return he.StatusCode(), body, true
}

// Authenticate opens a session for the certificate holder. Certificates
// without a holder RFC authenticate as rfc.
func (c *HTTPClient) Authenticate(ctx context.Context, creds *Credentials, rfc string) (Session, error) {
	ctx, span := c.Tracer.Start(ctx, "sat.authenticate")
	defer span.End()

	if holder := creds.HolderRFC(); holder != "" {
		rfc = holder
	}
	rfc = strings.ToUpper(rfc)
	req, err := c.requester(http.MethodPost, "/auth", "", authRequest{
		RFC:         rfc,
		Certificate: base64.StdEncoding.EncodeToString(creds.certDER),
		PrivateKey:  base64.StdEncoding.EncodeToString(creds.key),
		Passphrase:  creds.passphrase,
	})
	if err != nil {
		return Session{}, &AuthenticationError{Reason: "encode request", Err: err}
	}
	out, err := run(ctx, c, "authenticate", req, Http.ReadJSON[authResponse](c.client))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "authenticate")
		if status, _, ok := gatewayStatus(err); ok && (status == http.StatusUnauthorized || status == http.StatusForbidden) {
			return Session{}, &AuthenticationError{Reason: "invalid credentials", Err: err}
		}
		return Session{}, &AuthenticationError{Reason: "gateway", Err: err}
	}
	if out.Token == "" {
		return Session{}, &AuthenticationError{Reason: "gateway returned an empty token"}
	}
	c.Logger.Infow("Authenticated with SAT", "certificate", creds.String(), "rfc", rfc, "expires_at", out.ExpiresAt)
	return Session{Token: out.Token, RFC: rfc, ExpiresAt: out.ExpiresAt}, nil
}

func (c *HTTPClient) Request(ctx context.Context, session Session, req BulkRequest) (RequestReceipt, error) {
	ctx, span := c.Tracer.Start(ctx, "sat.request", trace.WithAttributes(
		attribute.String("rfc", req.RFC),
		attribute.String("direction", string(req.Direction)),
	))
	defer span.End()

	httpReq, err := c.requester(http.MethodPost, "/requests", session.Token, bulkRequestBody{
		RFC:       strings.ToUpper(req.RFC),
		Type:      string(req.Direction),
		DateStart: req.Start.Format(time.DateOnly),
		DateEnd:   req.End.Format(time.DateOnly),
	})
	if err != nil {
		return RequestReceipt{}, &RequestRejectedError{Message: "encode request", Err: err}
	}
	out, err := run(ctx, c, "request", httpReq, Http.ReadJSON[bulkRequestResponse](c.client))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request")
		if _, body, ok := gatewayStatus(err); ok {
			return RequestReceipt{}, &RequestRejectedError{Code: body.Code, Message: body.Message, Err: err}
		}
		return RequestReceipt{}, &RequestRejectedError{Message: "gateway unreachable", Err: err}
	}
	if out.Status == string(StateRejected) || out.RequestID == "" {
		return RequestReceipt{}, &RequestRejectedError{
			RequestID: out.RequestID,
			Code:      out.Code,
			Message:   out.Message,
		}
	}
	return RequestReceipt{RequestID: out.RequestID, EstimatedPackages: out.PackagesEstimated}, nil
}

// Verify asks once for the state of a request. Polling policy lives in the poll package.
func (c *HTTPClient) Verify(ctx context.Context, session Session, requestID string) (Verification, error) {
	ctx, span := c.Tracer.Start(ctx, "sat.verify", trace.WithAttributes(
		attribute.String("request_id", requestID),
	))
	defer span.End()

	req, err := c.requester(http.MethodGet, "/requests/"+url.PathEscape(requestID), session.Token, nil)
	if err != nil {
		return Verification{}, err
	}
	out, err := run(ctx, c, "verify", req, Http.ReadJSON[verifyResponse](c.client))
	if err != nil {
		span.RecordError(err)
		if status, body, ok := gatewayStatus(err); ok && status >= 400 && status < 500 {
			return Verification{}, &RequestRejectedError{RequestID: requestID, Code: body.Code, Message: body.Message, Err: err}
		}
		return Verification{}, err
	}
	return Verification{
		State:      VerificationState(out.State),
		PackageIDs: out.PackageIDs,
		Code:       out.Code,
		Message:    out.Message,
	}, nil
}

func (c *HTTPClient) Download(ctx context.Context, session Session, packageID string) ([]byte, error) {
	ctx, span := c.Tracer.Start(ctx, "sat.download", trace.WithAttributes(
		attribute.String("package_id", packageID),
	))
	defer span.End()

	req, err := c.requester(http.MethodGet, "/packages/"+url.PathEscape(packageID), session.Token, nil)
	if err != nil {
		return nil, &DownloadError{PackageID: packageID, Err: err}
	}
	payload, err := run(ctx, c, "download", req, Http.ReadAll(c.client))
	if err == nil && len(payload) > maxPackageSize {
		err = fmt.Errorf("package larger than %d bytes", maxPackageSize)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "download")
		return nil, &DownloadError{PackageID: packageID, Err: err}
	}
	c.downloadBytes.Add(ctx, int64(len(payload)))
	span.SetAttributes(attribute.Int("package.bytes", len(payload)))
	return payload, nil
}

// requester builds a request bound to the context it is run with. A non-nil
// in is sent as the JSON body.
func (c *HTTPClient) requester(method, path, token string, in any) (Http.Requester, error) {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(buf)
	}
	return function.Pipe1(
		Http.MakeRequest(method, c.BaseURL+path, body),
		RIOR.Map(func(req *http.Request) *http.Request {
			if in != nil {
				req.Header.Set("Content-Type", "application/json")
			}
			if token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}
			return req
		}),
	), nil
}

// run performs one round trip through read, throttled by the limiter and
// bounded by the per-call timeout. Answers outside 2xx fail with *H.HttpError.
func run[A any](
	ctx context.Context,
	c *HTTPClient,
	op string,
	req Http.Requester,
	read func(Http.Requester) RIOR.ReaderIOResult[A],
) (A, error) {
	var zero A
	start := time.Now()
	attrs := metric.WithAttributes(attribute.String("op", op))
	c.callsTotal.Add(ctx, 1, attrs)

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return zero, fmt.Errorf("%s throttled: %w", op, err)
		}
	}
	callCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	out, err := ET.UnwrapError(read(req)(callCtx)())
	c.callDuration.Record(ctx, time.Since(start).Milliseconds(), attrs)
	if err != nil {
		c.callsFailed.Add(ctx, 1, attrs)
		c.Logger.Debugw("SAT gateway call failed", "op", op, "err", err)
		return zero, err
	}
	return out, nil
}
