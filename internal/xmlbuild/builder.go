// Package xmlbuild turns typed event payloads into eSocial XML documents
// and wraps signed documents into batch envelopes.
package xmlbuild

import (
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"

	"github.com/sstlabs/esocial-engine/internal/errs"
	"github.com/sstlabs/esocial-engine/internal/model"
)

// SchemaVersion is the eSocial layout version of every event schema.
const SchemaVersion = "v_S_01_02_00"

const schemaBase = "http://www.esocial.gov.br/schema/evt/"

var rootElements = map[model.EventType]string{
	model.TypeEmployerOpening: "evtInfoEmpregador",
	model.TypeAdmission:       "evtAdmissao",
	model.TypeAccident:        "evtCAT",
	model.TypePeriodicExam:    "evtMonit",
	model.TypeRiskExposure:    "evtExpRisco",
}

// Namespace returns the schema namespace of t.
func Namespace(t model.EventType) string {
	return schemaBase + rootElements[t] + "/" + SchemaVersion
}

// Options carries the per-build inputs that are not part of the payload.
// The builder never reads a clock; Now must be supplied.
type Options struct {
	EmployerTaxID    string // CNPJ, 14 digits
	Now              time.Time
	Seq              int // 1..99999, disambiguates events built in the same second
	AppVersion       string
	RectifiesReceipt string // when set, the event rectifies this receipt (indRetif=2)
}

// Document is a built, unsigned event.
type Document struct {
	ID  string
	XML []byte
}

// Builder converts payloads into XML. It is stateless and safe for
// concurrent use.
type Builder struct{}

// New creates a Builder.
func New() *Builder { return &Builder{} }

// EventID formats the eSocial event identifier:
// "ID" + tpInsc + nrInsc padded to 14 + yyyyMMddHHmmss + 5-digit sequence.
func EventID(employerTaxID string, now time.Time, seq int) string {
	root := cnpjRoot(employerTaxID)
	return fmt.Sprintf("ID1%s%s%s%05d", root, strings.Repeat("0", 14-len(root)), now.Format("20060102150405"), seq%100000)
}

// CNPJRoot returns the 8-digit root of a CNPJ, the nrInsc of employer
// identification blocks.
func CNPJRoot(taxID string) string { return cnpjRoot(taxID) }

func cnpjRoot(taxID string) string {
	d := model.Digits(taxID)
	if len(d) > 8 {
		return d[:8]
	}
	return d
}

// Build renders payload p of type t for env.
func (b *Builder) Build(t model.EventType, p model.Payload, env model.Environment, opts Options) (*Document, error) {
	if !env.IsValid() {
		return nil, errs.Validation("environment is required and must be production or restricted-production")
	}
	if !model.IsCNPJ(opts.EmployerTaxID) {
		return nil, errs.Validation("employer tax ID %q is not a CNPJ", opts.EmployerTaxID)
	}
	if opts.Now.IsZero() {
		return nil, errs.New(errs.KindInternal, errs.CodeBuildFailed, "build time not supplied")
	}
	if opts.AppVersion == "" {
		opts.AppVersion = "1.0"
	}
	rootName, ok := rootElements[t]
	if !ok {
		return nil, errs.Validation("unsupported event type %q", t)
	}

	doc := etree.NewDocument()
	doc.WriteSettings.CanonicalEndTags = true
	doc.WriteSettings.CanonicalText = true
	doc.WriteSettings.CanonicalAttrVal = true

	envelope := doc.CreateElement("eSocial")
	envelope.CreateAttr("xmlns", Namespace(t))
	evt := envelope.CreateElement(rootName)
	id := EventID(opts.EmployerTaxID, opts.Now, opts.Seq)
	evt.CreateAttr("Id", id)

	c := &ctx{env: env, opts: opts}
	var err error
	switch t {
	case model.TypeEmployerOpening:
		err = withPayload(p, func(v *model.EmployerOpening) { c.employerOpening(evt, v) })
	case model.TypeAdmission:
		err = withPayload(p, func(v *model.Admission) { c.admission(evt, v) })
	case model.TypeAccident:
		err = withPayload(p, func(v *model.Accident) { c.accident(evt, v) })
	case model.TypePeriodicExam:
		err = withPayload(p, func(v *model.PeriodicExam) { c.periodicExam(evt, v) })
	case model.TypeRiskExposure:
		err = withPayload(p, func(v *model.RiskExposure) { c.riskExposure(evt, v) })
	}
	if err != nil {
		return nil, err
	}

	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, errs.CodeBuildFailed, err, "serialize event XML")
	}
	return &Document{ID: id, XML: out}, nil
}

func withPayload[T any](p model.Payload, fn func(T)) error {
	v, ok := p.(T)
	if !ok {
		return errs.Newf(errs.KindValidation, errs.CodeBuildFailed, "payload %T does not match the event type", p)
	}
	fn(v)
	return nil
}

type ctx struct {
	env  model.Environment
	opts Options
}

func text(parent *etree.Element, tag, value string) *etree.Element {
	el := parent.CreateElement(tag)
	el.SetText(value)
	return el
}

func optText(parent *etree.Element, tag, value string) {
	if value != "" {
		text(parent, tag, value)
	}
}

func flag(b bool, yes, no string) string {
	if b {
		return yes
	}
	return no
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// ideEvento writes the event header. Table events (S-1000) carry no
// rectification indicator.
func (c *ctx) ideEvento(evt *etree.Element, table bool) {
	ide := evt.CreateElement("ideEvento")
	if !table {
		if c.opts.RectifiesReceipt != "" {
			text(ide, "indRetif", "2")
			text(ide, "nrRecibo", c.opts.RectifiesReceipt)
		} else {
			text(ide, "indRetif", "1")
		}
	}
	text(ide, "tpAmb", fmt.Sprint(c.env.TpAmb()))
	text(ide, "procEmi", "1")
	text(ide, "verProc", c.opts.AppVersion)
}

func (c *ctx) ideEmpregador(evt *etree.Element) {
	ide := evt.CreateElement("ideEmpregador")
	text(ide, "tpInsc", "1")
	text(ide, "nrInsc", cnpjRoot(c.opts.EmployerTaxID))
}

func ideVinculo(evt *etree.Element, ref model.EmployeeRef) {
	v := evt.CreateElement("ideVinculo")
	text(v, "cpfTrab", model.Digits(ref.CPF))
	text(v, "matricula", ref.Registration)
}
