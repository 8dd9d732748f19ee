// Package submission talks to the eSocial webservices: batch submission,
// status polling, processed-event download and connectivity checks.
package submission

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/sstlabs/esocial-engine/internal/certvault"
	"github.com/sstlabs/esocial-engine/internal/errs"
	"github.com/sstlabs/esocial-engine/internal/metrics"
	"github.com/sstlabs/esocial-engine/internal/model"
	"github.com/sstlabs/esocial-engine/internal/xmlbuild"
	"github.com/sstlabs/esocial-engine/internal/xmlsign"
)

// DefaultTimeout bounds every remote call when Options.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 32 << 20

// Endpoints are the service URLs of one environment.
type Endpoints struct {
	Submit   string
	Query    string
	Download string
}

// DefaultEndpoints returns the published URLs of env.
func DefaultEndpoints(env model.Environment) Endpoints {
	if env == model.EnvProduction {
		return Endpoints{
			Submit:   "https://webservices.envio.esocial.gov.br/servicos/empregador/enviarloteeventos/WsEnviarLoteEventos.svc",
			Query:    "https://webservices.consulta.esocial.gov.br/servicos/empregador/consultarloteeventos/WsConsultarLoteEventos.svc",
			Download: "https://webservices.download.esocial.gov.br/servicos/empregador/dwlcirurgico/WsSolicitarDownloadEventos.svc",
		}
	}
	return Endpoints{
		Submit:   "https://webservices.producaorestrita.esocial.gov.br/servicos/empregador/enviarloteeventos/WsEnviarLoteEventos.svc",
		Query:    "https://webservices.producaorestrita.esocial.gov.br/servicos/empregador/consultarloteeventos/WsConsultarLoteEventos.svc",
		Download: "https://webservices.producaorestrita.esocial.gov.br/servicos/empregador/dwlcirurgico/WsSolicitarDownloadEventos.svc",
	}
}

// Options configures a Client.
type Options struct {
	Environment      model.Environment
	Endpoints        Endpoints     // zero value selects DefaultEndpoints
	Timeout          time.Duration // per call
	Rate             float64       // requests per second; 0 = unlimited
	RootCAs          *x509.CertPool
	InsecureTLS      bool
	TransmitterTaxID string // defaults to the employer
	Signer           *xmlsign.Signer
	Logger           zerolog.Logger
}

// Client is bound to one environment. It is safe for concurrent use.
type Client struct {
	env       model.Environment
	endpoints Endpoints
	timeout   time.Duration
	limiter   *rate.Limiter
	roots     *x509.CertPool
	insecure  bool
	tx        string
	signer    *xmlsign.Signer
	logger    zerolog.Logger

	mu         sync.Mutex
	transports map[string]*http.Client // by certificate fingerprint
}

// New creates a Client. The environment must be explicit.
func New(opts Options) (*Client, error) {
	if !opts.Environment.IsValid() {
		return nil, errs.Validation("submission client requires an explicit environment")
	}
	c := &Client{
		env:        opts.Environment,
		endpoints:  opts.Endpoints,
		timeout:    opts.Timeout,
		roots:      opts.RootCAs,
		insecure:   opts.InsecureTLS,
		tx:         opts.TransmitterTaxID,
		signer:     opts.Signer,
		logger:     opts.Logger,
		transports: make(map[string]*http.Client),
	}
	if c.endpoints == (Endpoints{}) {
		c.endpoints = DefaultEndpoints(opts.Environment)
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.signer == nil {
		c.signer = xmlsign.New()
	}
	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	c.limiter = rate.NewLimiter(limit, 1)
	return c, nil
}

// Environment returns the environment the client targets.
func (c *Client) Environment() model.Environment { return c.env }

// BatchRequest is one batch ready for transmission. Events carry their
// unsigned XML in RawXML, in batch order.
type BatchRequest struct {
	Batch         *model.Batch
	EmployerTaxID string
	Events        []*model.Event
}

// Ack is an accepted submission.
type Ack struct {
	Receipt     string            `json:"receipt"`
	Code        string            `json:"code"`
	Description string            `json:"description"`
	ReceivedAt  string            `json:"received_at,omitempty"`
	Signed      map[string][]byte `json:"-"` // signed XML by event id
}

// BatchState is the remote processing state of a batch.
type BatchState string

const (
	StateProcessing BatchState = "processing"
	StateProcessed  BatchState = "processed"
	StateError      BatchState = "error"
)

// EventResult is the remote outcome of one event of a batch.
type EventResult struct {
	XMLID       string       `json:"xml_id"`
	Accepted    bool         `json:"accepted"`
	Code        string       `json:"code"`
	Description string       `json:"description"`
	Receipt     string       `json:"receipt,omitempty"`
	Occurrences []Occurrence `json:"occurrences,omitempty"`
}

// StatusResult is the answer to a batch status query.
type StatusResult struct {
	State       BatchState    `json:"state"`
	Code        string        `json:"code"`
	Description string        `json:"description"`
	Occurrences []Occurrence  `json:"occurrences,omitempty"`
	Events      []EventResult `json:"events,omitempty"`
}

// Event returns the result for the given eSocial event Id.
func (r *StatusResult) Event(xmlID string) (EventResult, bool) {
	for _, e := range r.Events {
		if e.XMLID == xmlID {
			return e, true
		}
	}
	return EventResult{}, false
}

// ConnectivityResult reports a reachability probe.
type ConnectivityResult struct {
	Environment model.Environment `json:"environment"`
	Endpoint    string            `json:"endpoint"`
	Reachable   bool              `json:"reachable"`
	StatusCode  int               `json:"status_code,omitempty"`
	LatencyMs   int64             `json:"latency_ms"`
	Error       string            `json:"error,omitempty"`
}

// Sign signs every event of req. Any failure aborts the whole batch.
func (c *Client) Sign(req BatchRequest, cert *certvault.Certificate) (map[string][]byte, []xmlbuild.SignedEvent, error) {
	signed := make(map[string][]byte, len(req.Events))
	members := make([]xmlbuild.SignedEvent, 0, len(req.Events))
	for _, e := range req.Events {
		if e.RawXML == "" || e.XMLID == "" {
			return nil, nil, errs.Newf(errs.KindInternal, errs.CodeSigningFailed, "event %s has no XML to sign", e.ID)
		}
		out, err := c.signer.Sign([]byte(e.RawXML), cert)
		if err != nil {
			return nil, nil, errs.Wrap(errs.KindOf(err), errs.CodeOf(err), err, "sign event "+e.ID)
		}
		signed[e.ID] = out
		members = append(members, xmlbuild.SignedEvent{ID: e.XMLID, XML: out})
	}
	return signed, members, nil
}

// SubmitBatch signs every event, wraps them in a batch envelope and sends
// it. A non-201 answer is a REMOTE_REJECTED error carrying the occurrences.
func (c *Client) SubmitBatch(ctx context.Context, req BatchRequest, cert *certvault.Certificate) (*Ack, error) {
	if req.Batch == nil || len(req.Events) == 0 {
		return nil, errs.New(errs.KindValidation, errs.CodeEmptyBatch, "batch has no events")
	}
	signed, members, err := c.Sign(req, cert)
	if err != nil {
		return nil, err
	}
	envelope, err := xmlbuild.Envelope(req.Batch.Group, req.EmployerTaxID, c.tx, members)
	if err != nil {
		return nil, err
	}
	body, err := encodeSubmit(envelope)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, errs.CodeBuildFailed, err, "encode submission")
	}

	raw, err := c.call(ctx, "submit", c.endpoints.Submit, submitAction, body, cert)
	if err != nil {
		return nil, err
	}
	resp, err := decodeSubmit(raw)
	if err != nil {
		return nil, classifyDecode("submit", err)
	}
	if resp.Code != codeAccepted {
		return nil, rejected("submit", &rejection{Code: resp.Code, Description: resp.Description, Occurrences: resp.Occurrences})
	}

	c.logger.Info().
		Str("batch_id", req.Batch.ID).
		Str("receipt", resp.Receipt).
		Int("events", len(req.Events)).
		Msg("batch accepted")
	return &Ack{
		Receipt:     resp.Receipt,
		Code:        resp.Code,
		Description: resp.Description,
		ReceivedAt:  resp.ReceivedAt,
		Signed:      signed,
	}, nil
}

// PollStatus queries the processing result of a batch receipt. It has no
// remote side effects and may be repeated.
func (c *Client) PollStatus(ctx context.Context, employerTaxID, receipt string, cert *certvault.Certificate) (*StatusResult, error) {
	if receipt == "" {
		return nil, errs.Validation("receipt number is required")
	}
	body, err := encodeQuery(receipt)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, errs.CodeBuildFailed, err, "encode status query")
	}
	raw, err := c.call(ctx, "poll", c.endpoints.Query, queryAction, body, cert)
	if err != nil {
		return nil, err
	}
	res, err := decodeStatus(raw)
	if err != nil {
		return nil, classifyDecode("poll", err)
	}
	c.logger.Debug().
		Str("employer", employerTaxID).
		Str("receipt", receipt).
		Str("state", string(res.State)).
		Msg("status polled")
	return res, nil
}

// DownloadEvent fetches the processed XML of an event by its receipt.
func (c *Client) DownloadEvent(ctx context.Context, employerTaxID, receipt string, cert *certvault.Certificate) ([]byte, error) {
	if receipt == "" {
		return nil, errs.Validation("receipt number is required")
	}
	body, err := encodeDownload(employerTaxID, receipt)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, errs.CodeBuildFailed, err, "encode download request")
	}
	raw, err := c.call(ctx, "download", c.endpoints.Download, downloadAction, body, cert)
	if err != nil {
		return nil, err
	}
	data, err := decodeDownload(raw)
	if err != nil {
		return nil, classifyDecode("download", err)
	}
	return data, nil
}

// TestConnectivity probes the submission endpoint without a client
// certificate. Any answer below 500 counts as reachable.
func (c *Client) TestConnectivity(ctx context.Context) *ConnectivityResult {
	res := &ConnectivityResult{Environment: c.env, Endpoint: c.endpoints.Submit}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.endpoints.Submit, nil)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	resp, err := c.httpClient(nil).Do(req)
	res.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		res.Error = err.Error()
		return res
	}
	resp.Body.Close()
	res.StatusCode = resp.StatusCode
	res.Reachable = resp.StatusCode < http.StatusInternalServerError
	return res
}

// call posts one SOAP request under the per-call timeout and rate limit.
func (c *Client) call(ctx context.Context, op, url, action string, body []byte, cert *certvault.Certificate) ([]byte, error) {
	if cert == nil {
		return nil, errs.Certificate(errs.CodeNoActiveCertificate, "a client certificate is required")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errs.Remote(errs.CodeRemoteTimeout, err, op+": rate limiter wait")
	}

	start := time.Now()
	raw, err := c.post(ctx, url, action, body, cert)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.ObserveRemoteCall(op, result, time.Since(start))
	if err != nil {
		c.logger.Warn().Err(err).Str("operation", op).Str("url", url).Msg("remote call failed")
		return nil, classifyTransport(op, err)
	}
	return raw, nil
}

func (c *Client) post(ctx context.Context, url, action string, body []byte, cert *certvault.Certificate) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("Accept", "text/xml, application/soap+xml")
	req.Header.Set("SOAPAction", action)

	resp, err := c.httpClient(cert).Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &httpStatusErr{Status: resp.StatusCode, Body: raw}
	}
	return raw, nil
}

// httpClient returns the cached mTLS client of cert, or a client without
// a certificate when cert is nil.
func (c *Client) httpClient(cert *certvault.Certificate) *http.Client {
	key := ""
	if cert != nil {
		key = cert.Fingerprint()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if hc, ok := c.transports[key]; ok {
		return hc
	}
	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		RootCAs:            c.roots,
		InsecureSkipVerify: c.insecure, //nolint:gosec // opt-in for the restricted environment's chain
	}
	if cert != nil {
		tlsCfg.Certificates = []tls.Certificate{cert.TLSCertificate()}
	}
	hc := &http.Client{Transport: &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSClientConfig:     tlsCfg,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}}
	c.transports[key] = hc
	return hc
}

// CloseIdle releases pooled connections of every cached transport.
func (c *Client) CloseIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, hc := range c.transports {
		hc.CloseIdleConnections()
	}
}

type httpStatusErr struct {
	Status int
	Body   []byte
}

func (e *httpStatusErr) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d", e.Status)
}

// classifyTransport maps a failed exchange onto the error taxonomy:
// timeouts and network failures are retryable, a SOAP fault is a
// rejection, gateway errors are retryable, any other status is malformed.
func classifyTransport(op string, err error) error {
	var ne net.Error
	var se *httpStatusErr
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return errs.Remote(errs.CodeRemoteTimeout, err, op+": remote service timed out")
	case errors.As(err, &se):
		switch se.Status {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return errs.Remote(errs.CodeRemoteNetwork, err, op+": remote service unavailable")
		case http.StatusInternalServerError:
			if _, ferr := parseBody(se.Body); ferr != nil {
				var fault *faultErr
				if errors.As(ferr, &fault) {
					return errs.Remote(errs.CodeRemoteRejected, fault, op+": remote service fault")
				}
			}
		}
		return errs.Remote(errs.CodeRemoteMalformed, err, op+": unexpected response")
	}
	return errs.Remote(errs.CodeRemoteNetwork, err, op+": transport failure")
}

// classifyDecode maps a body that could not be understood.
func classifyDecode(op string, err error) error {
	var rej *rejection
	if errors.As(err, &rej) {
		return rejected(op, rej)
	}
	var fault *faultErr
	if errors.As(err, &fault) {
		return errs.Remote(errs.CodeRemoteRejected, fault, op+": remote service fault")
	}
	return errs.Remote(errs.CodeRemoteMalformed, err, op+": malformed response")
}

func rejected(op string, r *rejection) error {
	e := errs.Remote(errs.CodeRemoteRejected, r, op+": rejected")
	for _, o := range r.Occurrences {
		e.WithDetails(errs.Detail{ID: o.Location, Code: o.Code, Message: o.Description})
	}
	return e
}
