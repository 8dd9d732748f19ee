package xmlbuild

import (
	"fmt"

	"github.com/beevik/etree"

	"github.com/sstlabs/esocial-engine/internal/errs"
	"github.com/sstlabs/esocial-engine/internal/model"
)

// BatchNamespace is the namespace of the envioLoteEventos document.
const BatchNamespace = "http://www.esocial.gov.br/schema/lote/eventos/envio/v1_1_1"

// SignedEvent is one member of a batch envelope.
type SignedEvent struct {
	ID  string // eSocial event Id
	XML []byte // signed eSocial document
}

// Envelope wraps signed event documents into an envioLoteEventos batch.
// transmitterTaxID defaults to the employer when empty.
func Envelope(group int, employerTaxID, transmitterTaxID string, events []SignedEvent) ([]byte, error) {
	if len(events) == 0 {
		return nil, errs.New(errs.KindValidation, errs.CodeEmptyBatch, "batch has no events")
	}
	if len(events) > model.MaxBatchEvents {
		return nil, errs.Newf(errs.KindValidation, errs.CodeBatchTooLarge, "batch has %d events, limit is %d", len(events), model.MaxBatchEvents)
	}
	if transmitterTaxID == "" {
		transmitterTaxID = employerTaxID
	}

	doc := etree.NewDocument()
	doc.WriteSettings.CanonicalEndTags = true
	root := doc.CreateElement("eSocial")
	root.CreateAttr("xmlns", BatchNamespace)
	lote := root.CreateElement("envioLoteEventos")
	lote.CreateAttr("grupo", fmt.Sprint(group))

	emp := lote.CreateElement("ideEmpregador")
	text(emp, "tpInsc", "1")
	text(emp, "nrInsc", cnpjRoot(employerTaxID))
	tx := lote.CreateElement("ideTransmissor")
	text(tx, "tpInsc", "1")
	text(tx, "nrInsc", model.Digits(transmitterTaxID))

	list := lote.CreateElement("eventos")
	for _, ev := range events {
		signed := etree.NewDocument()
		if err := signed.ReadFromBytes(ev.XML); err != nil {
			return nil, errs.Wrap(errs.KindInternal, errs.CodeBuildFailed, err, "parse signed event "+ev.ID)
		}
		if signed.Root() == nil {
			return nil, errs.New(errs.KindInternal, errs.CodeBuildFailed, "signed event "+ev.ID+" is empty")
		}
		item := list.CreateElement("evento")
		item.CreateAttr("Id", ev.ID)
		item.AddChild(signed.Root().Copy())
	}

	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, errs.CodeBuildFailed, err, "serialize batch envelope")
	}
	return out, nil
}
