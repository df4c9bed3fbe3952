// Package parse turns raw CFDI documents into normalized fiscal records.
package parse

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/models"
)

const defaultCurrency = "MXN"

// MalformedDocumentError is returned for documents that cannot yield a record:
// missing or unreadable total or issue date, or a negative tax amount.
type MalformedDocumentError struct {
	Name   string
	Reason string
	Err    error
}

func (e *MalformedDocumentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed document %s: %s: %v", e.Name, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed document %s: %s", e.Name, e.Reason)
}

func (e *MalformedDocumentError) Unwrap() error { return e.Err }

// DocumentParser is what the orchestrator depends on; implementations may be
// swapped without touching the job workflow.
type DocumentParser interface {
	Parse(name string, content []byte) (models.FiscalRecord, error)
}

// New returns the parser for mode "regex" or "xml".
func New(mode string) (DocumentParser, error) {
	switch mode {
	case "", "regex":
		return RegexParser{}, nil
	case "xml":
		return XMLParser{}, nil
	default:
		return nil, fmt.Errorf("unknown parse mode %q", mode)
	}
}

// fields are the raw attribute values both parsers collect.
type fields struct {
	total         string
	subtotal      string
	taxTransfered string
	currency      string
	paymentForm   string
	paymentMethod string
	issueDate     string
	series        string
	folio         string
	cfdiUse       string
	emitterRFC    string
	emitterName   string
	receiverRFC   string
	receiverName  string
	uuid          string
}

var dateLayouts = []string{
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	time.DateOnly,
}

func parseIssueDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	var lastErr error
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// record applies defaults and the mandatory-field and tax rules.
func (f fields) record(name string) (models.FiscalRecord, error) {
	if strings.TrimSpace(f.total) == "" {
		return models.FiscalRecord{}, &MalformedDocumentError{Name: name, Reason: "missing total"}
	}
	total, err := decimal.NewFromString(strings.TrimSpace(f.total))
	if err != nil {
		return models.FiscalRecord{}, &MalformedDocumentError{Name: name, Reason: "invalid total", Err: err}
	}
	if strings.TrimSpace(f.issueDate) == "" {
		return models.FiscalRecord{}, &MalformedDocumentError{Name: name, Reason: "missing issue date"}
	}
	issued, err := parseIssueDate(f.issueDate)
	if err != nil {
		return models.FiscalRecord{}, &MalformedDocumentError{Name: name, Reason: "invalid issue date", Err: err}
	}

	subtotal := decimal.Zero
	if s := strings.TrimSpace(f.subtotal); s != "" {
		subtotal, err = decimal.NewFromString(s)
		if err != nil {
			return models.FiscalRecord{}, &MalformedDocumentError{Name: name, Reason: "invalid subtotal", Err: err}
		}
	}

	var tax decimal.Decimal
	if s := strings.TrimSpace(f.taxTransfered); s != "" {
		tax, err = decimal.NewFromString(s)
		if err != nil {
			return models.FiscalRecord{}, &MalformedDocumentError{Name: name, Reason: "invalid tax", Err: err}
		}
	} else {
		tax = total.Sub(subtotal)
	}
	if tax.IsNegative() {
		return models.FiscalRecord{}, &MalformedDocumentError{
			Name:   name,
			Reason: fmt.Sprintf("negative tax %s (total %s, subtotal %s)", tax.StringFixed(2), total.StringFixed(2), subtotal.StringFixed(2)),
		}
	}

	currency := strings.ToUpper(strings.TrimSpace(f.currency))
	if currency == "" {
		currency = defaultCurrency
	}
	uuid := strings.ToUpper(strings.TrimSpace(f.uuid))
	folio := uuid
	if folio == "" {
		folio = strings.TrimSpace(f.series + f.folio)
	}
	if folio == "" {
		folio = strings.TrimSuffix(strings.TrimSuffix(name, ".xml"), ".XML")
	}

	return models.FiscalRecord{
		Folio:         folio,
		UUID:          uuid,
		Series:        strings.TrimSpace(f.series),
		EmitterRFC:    strings.ToUpper(strings.TrimSpace(f.emitterRFC)),
		EmitterName:   strings.TrimSpace(f.emitterName),
		ReceiverRFC:   strings.ToUpper(strings.TrimSpace(f.receiverRFC)),
		ReceiverName:  strings.TrimSpace(f.receiverName),
		Subtotal:      subtotal,
		Tax:           tax,
		Total:         total,
		Currency:      currency,
		PaymentMethod: strings.TrimSpace(f.paymentMethod),
		PaymentForm:   strings.TrimSpace(f.paymentForm),
		CFDIUse:       strings.TrimSpace(f.cfdiUse),
		IssueDate:     issued,
		SourceName:    name,
	}, nil
}
