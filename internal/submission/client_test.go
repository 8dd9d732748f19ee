package submission

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sstlabs/esocial-engine/internal/certvault"
	"github.com/sstlabs/esocial-engine/internal/certvault/certtest"
	"github.com/sstlabs/esocial-engine/internal/errs"
	"github.com/sstlabs/esocial-engine/internal/model"
)

const employerCNPJ = "12345678000190"

func soapResponse(inner string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>` +
		`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body>` + inner + `</s:Body></s:Envelope>`
}

const acceptedSubmit = `<EnviarLoteEventosResponse><EnviarLoteEventosResult><eSocial><retornoEnvioLoteEventos>
<status><cdResposta>201</cdResposta><descResposta>Lote Recebido com Sucesso.</descResposta></status>
<dadosRecepcaoLote><dhRecepcao>2026-10-18T10:00:00</dhRecepcao><protocoloEnvio>1.2.202610.0000000000000000001</protocoloEnvio></dadosRecepcaoLote>
</retornoEnvioLoteEventos></eSocial></EnviarLoteEventosResult></EnviarLoteEventosResponse>`

const rejectedSubmit = `<EnviarLoteEventosResponse><EnviarLoteEventosResult><eSocial><retornoEnvioLoteEventos>
<status><cdResposta>401</cdResposta><descResposta>Lote Incorreto - Erro preenchimento.</descResposta>
<ocorrencias><ocorrencia><codigo>402</codigo><descricao>Schema invalido</descricao><tipo>1</tipo><localizacao>/eSocial/envioLoteEventos</localizacao></ocorrencia></ocorrencias>
</status></retornoEnvioLoteEventos></eSocial></EnviarLoteEventosResult></EnviarLoteEventosResponse>`

type fakeService struct {
	t        *testing.T
	srv      *httptest.Server
	handler  atomic.Value // func(w, r, body)
	lastBody atomic.Value // string
	peer     atomic.Value // string, client certificate subject
}

func newFakeService(t *testing.T) *fakeService {
	t.Helper()
	f := &fakeService{t: t}
	f.srv = httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.lastBody.Store(string(body))
		if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
			f.peer.Store(r.TLS.PeerCertificates[0].Subject.CommonName)
		}
		h, _ := f.handler.Load().(func(http.ResponseWriter, *http.Request, string))
		if h == nil {
			w.WriteHeader(http.StatusOK)
			return
		}
		h(w, r, string(body))
	}))
	f.srv.TLS = &tls.Config{ClientAuth: tls.RequestClientCert}
	f.srv.StartTLS()
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeService) respond(status int, body string) {
	f.handler.Store(func(w http.ResponseWriter, _ *http.Request, _ string) {
		w.Header().Set("Content-Type", "text/xml")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	})
}

func (f *fakeService) client(t *testing.T, timeout time.Duration) *Client {
	t.Helper()
	roots := x509.NewCertPool()
	roots.AddCert(f.srv.Certificate())
	c, err := New(Options{
		Environment: model.EnvRestrictedProduction,
		Endpoints:   Endpoints{Submit: f.srv.URL + "/submit", Query: f.srv.URL + "/query", Download: f.srv.URL + "/download"},
		Timeout:     timeout,
		RootCAs:     roots,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	return c
}

func loadCert(t *testing.T) *certvault.Certificate {
	t.Helper()
	b := certtest.Issue(t, certtest.Options{})
	cert, _, err := certvault.New().LoadAndValidate(b.PFX, b.Password, employerCNPJ)
	require.NoError(t, err)
	require.True(t, cert.Report.Usable(), cert.Report.Summary)
	return cert
}

func batchRequest(n int) BatchRequest {
	req := BatchRequest{
		Batch:         &model.Batch{ID: "bt-1", EmployerID: "er-1", Group: 2},
		EmployerTaxID: employerCNPJ,
	}
	for i := 0; i < n; i++ {
		id := "ID1123456780000002026101810000000" + string(rune('1'+i))
		req.Events = append(req.Events, &model.Event{
			ID:     "ev-" + string(rune('a'+i)),
			XMLID:  id,
			RawXML: `<eSocial xmlns="http://www.esocial.gov.br/schema/evt/evtMonit/v_S_01_02_00"><evtMonit Id="` + id + `"><ideEvento><tpAmb>2</tpAmb></ideEvento></evtMonit></eSocial>`,
		})
	}
	return req
}

func TestNewRequiresEnvironment(t *testing.T) {
	_, err := New(Options{})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestDefaultEndpointsDiffer(t *testing.T) {
	prod := DefaultEndpoints(model.EnvProduction)
	restricted := DefaultEndpoints(model.EnvRestrictedProduction)
	assert.NotEqual(t, prod.Submit, restricted.Submit)
	assert.Contains(t, restricted.Submit, "producaorestrita")
}

func TestSubmitBatchAccepted(t *testing.T) {
	f := newFakeService(t)
	var action atomic.Value
	f.handler.Store(func(w http.ResponseWriter, r *http.Request, _ string) {
		action.Store(r.Header.Get("SOAPAction"))
		_, _ = io.WriteString(w, soapResponse(acceptedSubmit))
	})
	c := f.client(t, 5*time.Second)
	cert := loadCert(t)

	ack, err := c.SubmitBatch(context.Background(), batchRequest(2), cert)
	require.NoError(t, err)
	assert.Equal(t, "1.2.202610.0000000000000000001", ack.Receipt)
	assert.Equal(t, "201", ack.Code)
	require.Len(t, ack.Signed, 2)
	assert.Contains(t, string(ack.Signed["ev-a"]), "SignatureValue")
	assert.Equal(t, submitAction, action.Load())
	assert.Equal(t, cert.Leaf.Subject.CommonName, f.peer.Load(), "client certificate must be presented")

	// The request embeds the batch envelope with both signed events.
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromString(f.lastBody.Load().(string)))
	lote := doc.FindElement("//envioLoteEventos")
	require.NotNil(t, lote)
	assert.Equal(t, "2", lote.SelectAttrValue("grupo", ""))
	assert.Len(t, lote.FindElements("./eventos/evento"), 2)
	assert.Len(t, doc.FindElements("//Signature"), 2)
}

func TestSubmitBatchRejected(t *testing.T) {
	f := newFakeService(t)
	f.respond(http.StatusOK, soapResponse(rejectedSubmit))
	c := f.client(t, 5*time.Second)

	_, err := c.SubmitBatch(context.Background(), batchRequest(1), loadCert(t))
	require.True(t, errors.Is(err, errs.ErrRemoteRejected), "got %v", err)
	assert.False(t, errs.IsRetryable(err))
	details := errs.DetailsOf(err)
	require.Len(t, details, 1)
	assert.Equal(t, "402", details[0].Code)
}

func TestSubmitBatchSigningFailureSendsNothing(t *testing.T) {
	f := newFakeService(t)
	var calls atomic.Int32
	f.handler.Store(func(w http.ResponseWriter, _ *http.Request, _ string) {
		calls.Add(1)
		_, _ = io.WriteString(w, soapResponse(acceptedSubmit))
	})
	c := f.client(t, 5*time.Second)

	req := batchRequest(2)
	req.Events[1].RawXML = ""
	_, err := c.SubmitBatch(context.Background(), req, loadCert(t))
	require.Error(t, err)
	assert.Equal(t, errs.CodeSigningFailed, errs.CodeOf(err))
	assert.Zero(t, calls.Load())
}

func TestSubmitBatchTimeoutIsRetryable(t *testing.T) {
	f := newFakeService(t)
	f.handler.Store(func(w http.ResponseWriter, r *http.Request, _ string) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	c := f.client(t, 100*time.Millisecond)

	_, err := c.SubmitBatch(context.Background(), batchRequest(1), loadCert(t))
	require.True(t, errors.Is(err, errs.ErrRemoteTimeout), "got %v", err)
	assert.True(t, errs.IsRetryable(err))
}

func TestClassifyHTTPStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		code      errs.Code
		retryable bool
	}{
		{"unavailable", http.StatusServiceUnavailable, "", errs.CodeRemoteNetwork, true},
		{"soap fault", http.StatusInternalServerError,
			soapResponse(`<s:Fault><faultcode>s:Client</faultcode><faultstring>Certificado invalido</faultstring></s:Fault>`),
			errs.CodeRemoteRejected, false},
		{"plain 500", http.StatusInternalServerError, "boom", errs.CodeRemoteMalformed, false},
		{"not found", http.StatusNotFound, "", errs.CodeRemoteMalformed, false},
		{"garbage 200", http.StatusOK, "<html>maintenance</html>", errs.CodeRemoteMalformed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeService(t)
			f.respond(tt.status, tt.body)
			c := f.client(t, 5*time.Second)

			_, err := c.SubmitBatch(context.Background(), batchRequest(1), loadCert(t))
			require.Error(t, err)
			assert.Equal(t, tt.code, errs.CodeOf(err))
			assert.Equal(t, tt.retryable, errs.IsRetryable(err))
		})
	}
}

func TestPollStatus(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		state BatchState
		check func(t *testing.T, r *StatusResult)
	}{
		{
			name:  "awaiting",
			body:  `<retornoProcessamentoLoteEventos><status><cdResposta>101</cdResposta><descResposta>Lote Aguardando Processamento.</descResposta></status></retornoProcessamentoLoteEventos>`,
			state: StateProcessing,
		},
		{
			name: "processed",
			body: `<retornoProcessamentoLoteEventos><status><cdResposta>201</cdResposta><descResposta>Lote Processado com Sucesso.</descResposta></status>
<retornoEventos>
<evento Id="ID-A"><retornoEvento><eSocial><retornoEvento><processamento><cdResposta>201</cdResposta><descResposta>Sucesso.</descResposta></processamento><recibo><nrRecibo>1.1.0000000000000000001</nrRecibo></recibo></retornoEvento></eSocial></retornoEvento></evento>
<evento Id="ID-B"><retornoEvento><eSocial><retornoEvento><processamento><cdResposta>401</cdResposta><descResposta>Erro.</descResposta><ocorrencias><ocorrencia><codigo>1234</codigo><descricao>CPF invalido</descricao><tipo>1</tipo></ocorrencia></ocorrencias></processamento></retornoEvento></eSocial></retornoEvento></evento>
</retornoEventos></retornoProcessamentoLoteEventos>`,
			state: StateProcessed,
			check: func(t *testing.T, r *StatusResult) {
				a, ok := r.Event("ID-A")
				require.True(t, ok)
				assert.True(t, a.Accepted)
				assert.Equal(t, "1.1.0000000000000000001", a.Receipt)
				b, ok := r.Event("ID-B")
				require.True(t, ok)
				assert.False(t, b.Accepted)
				require.Len(t, b.Occurrences, 1)
				assert.Equal(t, "1234: CPF invalido", b.Occurrences[0].String())
			},
		},
		{
			name:  "batch error",
			body:  `<retornoProcessamentoLoteEventos><status><cdResposta>501</cdResposta><descResposta>Solicitacao invalida.</descResposta><ocorrencias><ocorrencia><codigo>9</codigo><descricao>Protocolo inexistente</descricao></ocorrencia></ocorrencias></status></retornoProcessamentoLoteEventos>`,
			state: StateError,
			check: func(t *testing.T, r *StatusResult) {
				require.Len(t, r.Occurrences, 1)
				assert.Equal(t, "9", r.Occurrences[0].Code)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeService(t)
			f.respond(http.StatusOK, soapResponse(tt.body))
			c := f.client(t, 5*time.Second)

			res, err := c.PollStatus(context.Background(), employerCNPJ, "1.2.3", loadCert(t))
			require.NoError(t, err)
			assert.Equal(t, tt.state, res.State)
			assert.Contains(t, f.lastBody.Load().(string), "<protocoloEnvio>1.2.3</protocoloEnvio>")
			if tt.check != nil {
				tt.check(t, res)
			}
		})
	}
}

func TestPollStatusRequiresReceipt(t *testing.T) {
	f := newFakeService(t)
	c := f.client(t, time.Second)
	_, err := c.PollStatus(context.Background(), employerCNPJ, "", loadCert(t))
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestDownloadEvent(t *testing.T) {
	processed := `<eSocial><evtMonit Id="ID-A"/></eSocial>`
	f := newFakeService(t)
	f.respond(http.StatusOK, soapResponse(`<download><status><cdResposta>200</cdResposta></status><arquivo>`+
		base64.StdEncoding.EncodeToString([]byte(processed))+`</arquivo></download>`))
	c := f.client(t, 5*time.Second)

	data, err := c.DownloadEvent(context.Background(), employerCNPJ, "1.1.9", loadCert(t))
	require.NoError(t, err)
	assert.Equal(t, processed, string(data))
	body := f.lastBody.Load().(string)
	assert.Contains(t, body, "<nrRec>1.1.9</nrRec>")
	assert.Contains(t, body, "<nrInsc>12345678</nrInsc>")
}

func TestDownloadEventRejected(t *testing.T) {
	f := newFakeService(t)
	f.respond(http.StatusOK, soapResponse(`<download><status><cdResposta>404</cdResposta><descResposta>Recibo nao encontrado</descResposta></status></download>`))
	c := f.client(t, 5*time.Second)

	_, err := c.DownloadEvent(context.Background(), employerCNPJ, "1.1.9", loadCert(t))
	assert.True(t, errors.Is(err, errs.ErrRemoteRejected), "got %v", err)
}

func TestTransportCachedPerCertificate(t *testing.T) {
	f := newFakeService(t)
	c := f.client(t, time.Second)
	a, b := loadCert(t), loadCert(t)
	assert.Same(t, c.httpClient(a), c.httpClient(a))
	assert.NotSame(t, c.httpClient(a), c.httpClient(b))
	c.CloseIdle()
}

func TestTestConnectivity(t *testing.T) {
	f := newFakeService(t)
	f.respond(http.StatusMethodNotAllowed, "")
	c := f.client(t, 5*time.Second)

	res := c.TestConnectivity(context.Background())
	assert.True(t, res.Reachable)
	assert.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)
	assert.Equal(t, model.EnvRestrictedProduction, res.Environment)

	f.respond(http.StatusBadGateway, "")
	res = c.TestConnectivity(context.Background())
	assert.False(t, res.Reachable)
}

func TestTestConnectivityUnreachable(t *testing.T) {
	c, err := New(Options{
		Environment: model.EnvProduction,
		Endpoints:   Endpoints{Submit: "https://127.0.0.1:1/submit"},
		Timeout:     500 * time.Millisecond,
	})
	require.NoError(t, err)
	res := c.TestConnectivity(context.Background())
	assert.False(t, res.Reachable)
	assert.NotEmpty(t, res.Error)
	assert.True(t, strings.HasPrefix(res.Endpoint, "https://"))
}
