package submission

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/beevik/etree"

	"github.com/sstlabs/esocial-engine/internal/xmlbuild"
)

const soapNS = "http://schemas.xmlsoap.org/soap/envelope/"

// SOAP operations of the eSocial webservices.
const (
	submitNS     = "http://www.esocial.gov.br/servicos/empregador/lote/eventos/envio/v1_1_0"
	submitAction = submitNS + "/ServicoEnviarLoteEventos/EnviarLoteEventos"

	queryNS     = "http://www.esocial.gov.br/servicos/empregador/lote/eventos/envio/consulta/retornoProcessamento/v1_1_0"
	queryAction = queryNS + "/ServicoConsultarLoteEventos/ConsultarLoteEventos"
	querySchema = "http://www.esocial.gov.br/schema/lote/eventos/envio/consulta/retornoProcessamento/v1_0_0"

	downloadNS     = "http://www.esocial.gov.br/servicos/empregador/download/solicitacao/v1_0_0"
	downloadAction = downloadNS + "/ServicoSolicitarDownloadEventos/SolicitarDownloadEventosPorNrRecibo"
	downloadSchema = "http://www.esocial.gov.br/schema/download/solicitacao/nrRecibo/v1_0_0"
)

// Response codes of the eSocial services.
const (
	codeAccepted        = "201" // batch received / event processed
	codeAcceptedWarning = "202" // processed with warnings
	codeAwaiting        = "101" // batch waiting for processing
	codeDownloadOK      = "200"
)

// newEnvelope returns a SOAP document and the operation element inside
// its body.
func newEnvelope(ns, operation string) (*etree.Document, *etree.Element) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	env := doc.CreateElement("soap:Envelope")
	env.CreateAttr("xmlns:soap", soapNS)
	env.CreateAttr("xmlns:v1", ns)
	env.CreateElement("soap:Header")
	body := env.CreateElement("soap:Body")
	return doc, body.CreateElement("v1:" + operation)
}

// encodeSubmit wraps a batch envelope into an EnviarLoteEventos call. The
// batch document is embedded as XML, not escaped text, so the signatures
// inside stay byte-stable.
func encodeSubmit(batchXML []byte) ([]byte, error) {
	lote := etree.NewDocument()
	if err := lote.ReadFromBytes(batchXML); err != nil {
		return nil, fmt.Errorf("parse batch envelope: %w", err)
	}
	if lote.Root() == nil {
		return nil, fmt.Errorf("batch envelope is empty")
	}
	doc, op := newEnvelope(submitNS, "EnviarLoteEventos")
	op.CreateElement("v1:loteEventos").AddChild(lote.Root())
	return doc.WriteToBytes()
}

func encodeQuery(receipt string) ([]byte, error) {
	doc, op := newEnvelope(queryNS, "ConsultarLoteEventos")
	es := op.CreateElement("v1:consulta").CreateElement("eSocial")
	es.CreateAttr("xmlns", querySchema)
	es.CreateElement("consultaLoteEventos").CreateElement("protocoloEnvio").SetText(receipt)
	return doc.WriteToBytes()
}

func encodeDownload(employerTaxID, receipt string) ([]byte, error) {
	doc, op := newEnvelope(downloadNS, "SolicitarDownloadEventosPorNrRecibo")
	es := op.CreateElement("v1:solicitacao").CreateElement("eSocial")
	es.CreateAttr("xmlns", downloadSchema)
	dl := es.CreateElement("download")
	emp := dl.CreateElement("ideEmpregador")
	emp.CreateElement("tpInsc").SetText("1")
	emp.CreateElement("nrInsc").SetText(xmlbuild.CNPJRoot(employerTaxID))
	dl.CreateElement("solicDownloadEvtsPorNrRecibo").CreateElement("nrRec").SetText(receipt)
	return doc.WriteToBytes()
}

// Occurrence is one finding reported by the remote service.
type Occurrence struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Type        string `json:"type,omitempty"` // 1 error, 2 warning
	Location    string `json:"location,omitempty"`
}

func (o Occurrence) String() string {
	if o.Code == "" {
		return o.Description
	}
	return o.Code + ": " + o.Description
}

// parseBody reads a SOAP response and returns the body element. A SOAP
// fault is returned as faultErr.
func parseBody(raw []byte) (*etree.Element, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, fmt.Errorf("response is not XML: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("response is empty")
	}
	body := root.FindElement("./Body")
	if body == nil {
		return nil, fmt.Errorf("response has no SOAP body")
	}
	if fault := body.FindElement("./Fault"); fault != nil {
		return nil, &faultErr{Code: childText(fault, "faultcode"), Message: childText(fault, "faultstring")}
	}
	return body, nil
}

type faultErr struct {
	Code    string
	Message string
}

func (f *faultErr) Error() string {
	return fmt.Sprintf("SOAP fault %s: %s", f.Code, f.Message)
}

func childText(e *etree.Element, path string) string {
	if c := e.FindElement(path); c != nil {
		return strings.TrimSpace(c.Text())
	}
	return ""
}

func parseOccurrences(e *etree.Element) []Occurrence {
	var out []Occurrence
	for _, o := range e.FindElements(".//ocorrencia") {
		out = append(out, Occurrence{
			Code:        childText(o, "codigo"),
			Description: childText(o, "descricao"),
			Type:        childText(o, "tipo"),
			Location:    childText(o, "localizacao"),
		})
	}
	return out
}

// submitResponse is the parsed retornoEnvioLoteEventos.
type submitResponse struct {
	Code        string
	Description string
	Receipt     string
	ReceivedAt  string
	Occurrences []Occurrence
}

func decodeSubmit(raw []byte) (*submitResponse, error) {
	body, err := parseBody(raw)
	if err != nil {
		return nil, err
	}
	status := body.FindElement(".//retornoEnvioLoteEventos/status")
	if status == nil {
		return nil, fmt.Errorf("response has no retornoEnvioLoteEventos status")
	}
	r := &submitResponse{
		Code:        childText(status, "cdResposta"),
		Description: childText(status, "descResposta"),
		Occurrences: parseOccurrences(status),
	}
	if r.Code == "" {
		return nil, fmt.Errorf("response has no cdResposta")
	}
	if d := body.FindElement(".//dadosRecepcaoLote"); d != nil {
		r.Receipt = childText(d, "protocoloEnvio")
		r.ReceivedAt = childText(d, "dhRecepcao")
	}
	if r.Code == codeAccepted && r.Receipt == "" {
		return nil, fmt.Errorf("accepted response carries no protocoloEnvio")
	}
	return r, nil
}

func decodeStatus(raw []byte) (*StatusResult, error) {
	body, err := parseBody(raw)
	if err != nil {
		return nil, err
	}
	ret := body.FindElement(".//retornoProcessamentoLoteEventos")
	if ret == nil {
		return nil, fmt.Errorf("response has no retornoProcessamentoLoteEventos")
	}
	status := ret.FindElement("./status")
	if status == nil {
		return nil, fmt.Errorf("response has no status")
	}
	res := &StatusResult{
		Code:        childText(status, "cdResposta"),
		Description: childText(status, "descResposta"),
	}
	switch res.Code {
	case "":
		return nil, fmt.Errorf("response has no cdResposta")
	case codeAwaiting:
		res.State = StateProcessing
		return res, nil
	case codeAccepted, codeAcceptedWarning:
		res.State = StateProcessed
	default:
		res.State = StateError
		res.Occurrences = parseOccurrences(status)
	}

	for _, ev := range ret.FindElements("./retornoEventos/evento") {
		out := EventResult{XMLID: ev.SelectAttrValue("Id", "")}
		proc := ev.FindElement(".//processamento")
		if proc == nil {
			return nil, fmt.Errorf("event %s has no processamento block", out.XMLID)
		}
		out.Code = childText(proc, "cdResposta")
		out.Description = childText(proc, "descResposta")
		out.Occurrences = parseOccurrences(proc)
		out.Receipt = childText(ev, ".//recibo/nrRecibo")
		out.Accepted = out.Code == codeAccepted || out.Code == codeAcceptedWarning
		res.Events = append(res.Events, out)
	}
	return res, nil
}

func decodeDownload(raw []byte) ([]byte, error) {
	body, err := parseBody(raw)
	if err != nil {
		return nil, err
	}
	if status := body.FindElement(".//status"); status != nil {
		if code := childText(status, "cdResposta"); code != "" && code != codeDownloadOK {
			return nil, &rejection{Code: code, Description: childText(status, "descResposta"), Occurrences: parseOccurrences(status)}
		}
	}
	arquivo := body.FindElement(".//arquivo")
	if arquivo == nil {
		return nil, fmt.Errorf("response has no arquivo")
	}
	// The file is either inline XML or base64 text.
	if len(arquivo.ChildElements()) > 0 {
		doc := etree.NewDocument()
		doc.SetRoot(arquivo.ChildElements()[0].Copy())
		return doc.WriteToBytes()
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(arquivo.Text()))
	if err != nil {
		return nil, fmt.Errorf("decode arquivo: %w", err)
	}
	return data, nil
}

// rejection is a well-formed refusal from the remote service.
type rejection struct {
	Code        string
	Description string
	Occurrences []Occurrence
}

func (r *rejection) Error() string {
	return fmt.Sprintf("remote service answered %s: %s", r.Code, r.Description)
}
