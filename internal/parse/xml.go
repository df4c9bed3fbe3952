package parse

import (
	"bytes"

	"github.com/antchfx/xmlquery"

	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/models"
)

// XMLParser walks the document tree. Unlike RegexParser it rejects documents
// that are not well formed.
type XMLParser struct{}

var _ DocumentParser = XMLParser{}

func selectAttr(n *xmlquery.Node, names ...string) string {
	if n == nil {
		return ""
	}
	for _, name := range names {
		if v := n.SelectAttr(name); v != "" {
			return v
		}
	}
	return ""
}

func (XMLParser) Parse(name string, content []byte) (models.FiscalRecord, error) {
	doc, err := xmlquery.Parse(bytes.NewReader(content))
	if err != nil {
		return models.FiscalRecord{}, &MalformedDocumentError{Name: name, Reason: "invalid xml", Err: err}
	}
	comprobante := xmlquery.FindOne(doc, "//*[local-name()='Comprobante']")
	if comprobante == nil {
		return models.FiscalRecord{}, &MalformedDocumentError{Name: name, Reason: "no Comprobante element"}
	}
	emisor := xmlquery.FindOne(comprobante, "*[local-name()='Emisor']")
	receptor := xmlquery.FindOne(comprobante, "*[local-name()='Receptor']")
	impuestos := xmlquery.FindOne(comprobante, "*[local-name()='Impuestos']")
	timbre := xmlquery.FindOne(comprobante, ".//*[local-name()='TimbreFiscalDigital']")

	f := fields{
		total:         selectAttr(comprobante, "Total", "total"),
		subtotal:      selectAttr(comprobante, "SubTotal", "subTotal"),
		taxTransfered: selectAttr(impuestos, "TotalImpuestosTrasladados", "totalImpuestosTrasladados"),
		currency:      selectAttr(comprobante, "Moneda", "moneda"),
		paymentForm:   selectAttr(comprobante, "FormaPago", "formaDePago"),
		paymentMethod: selectAttr(comprobante, "MetodoPago", "metodoDePago"),
		issueDate:     selectAttr(comprobante, "Fecha", "fecha"),
		series:        selectAttr(comprobante, "Serie", "serie"),
		folio:         selectAttr(comprobante, "Folio", "folio"),
		cfdiUse:       selectAttr(receptor, "UsoCFDI"),
		emitterRFC:    selectAttr(emisor, "Rfc", "rfc"),
		emitterName:   selectAttr(emisor, "Nombre", "nombre"),
		receiverRFC:   selectAttr(receptor, "Rfc", "rfc"),
		receiverName:  selectAttr(receptor, "Nombre", "nombre"),
		uuid:          selectAttr(timbre, "UUID"),
	}
	return f.record(name)
}
