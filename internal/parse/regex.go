package parse

import (
	"html"
	"regexp"
	"sync"

	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/models"
)

// RegexParser reads attributes straight out of the opening tags. It tolerates
// documents that are not well formed XML as long as the tags it needs are.
type RegexParser struct{}

var _ DocumentParser = RegexParser{}

var (
	tagPatterns = map[string]*regexp.Regexp{}
	attrCache   sync.Map
)

// tagBody matches the inside of an opening tag. Quoted values may hold '>'.
const tagBody = `(?:[^>"']|"[^"]*"|'[^']*')*`

func init() {
	for _, tag := range []string{"Comprobante", "Emisor", "Receptor", "TimbreFiscalDigital"} {
		tagPatterns[tag] = regexp.MustCompile(`(?is)<(?:[A-Za-z0-9_.-]+:)?` + tag + `\b` + tagBody + `>`)
	}
	tagPatterns["Impuestos"] = regexp.MustCompile(
		`(?is)<(?:[A-Za-z0-9_.-]+:)?Impuestos\b(?:[^>"']|"[^"]*"|'[^']*')*?\sTotalImpuestosTrasladados\s*=` + tagBody + `>`)
}

func findTag(content []byte, tag string) string {
	return string(tagPatterns[tag].Find(content))
}

func attrPattern(name string) *regexp.Regexp {
	if re, ok := attrCache.Load(name); ok {
		return re.(*regexp.Regexp)
	}
	re := regexp.MustCompile(`(?is)\s` + regexp.QuoteMeta(name) + `\s*=\s*(?:"([^"]*)"|'([^']*)')`)
	attrCache.Store(name, re)
	return re
}

// attr returns the first of names present in tag.
func attr(tag string, names ...string) string {
	if tag == "" {
		return ""
	}
	for _, name := range names {
		m := attrPattern(name).FindStringSubmatch(tag)
		if m == nil {
			continue
		}
		if m[1] != "" {
			return html.UnescapeString(m[1])
		}
		return html.UnescapeString(m[2])
	}
	return ""
}

func (RegexParser) Parse(name string, content []byte) (models.FiscalRecord, error) {
	comprobante := findTag(content, "Comprobante")
	if comprobante == "" {
		return models.FiscalRecord{}, &MalformedDocumentError{Name: name, Reason: "no Comprobante element"}
	}
	emisor := findTag(content, "Emisor")
	receptor := findTag(content, "Receptor")
	timbre := findTag(content, "TimbreFiscalDigital")
	impuestos := findTag(content, "Impuestos")

	f := fields{
		total:         attr(comprobante, "Total"),
		subtotal:      attr(comprobante, "SubTotal"),
		taxTransfered: attr(impuestos, "TotalImpuestosTrasladados"),
		currency:      attr(comprobante, "Moneda"),
		paymentForm:   attr(comprobante, "FormaPago", "FormaDePago"),
		paymentMethod: attr(comprobante, "MetodoPago", "MetodoDePago"),
		issueDate:     attr(comprobante, "Fecha"),
		series:        attr(comprobante, "Serie"),
		folio:         attr(comprobante, "Folio"),
		cfdiUse:       attr(receptor, "UsoCFDI"),
		emitterRFC:    attr(emisor, "Rfc"),
		emitterName:   attr(emisor, "Nombre"),
		receiverRFC:   attr(receptor, "Rfc"),
		receiverName:  attr(receptor, "Nombre"),
		uuid:          attr(timbre, "UUID"),
	}
	return f.record(name)
}
