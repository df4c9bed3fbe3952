// Package sat talks to the SAT bulk-download web services ("descarga masiva")
// through a signing gateway that performs the SOAP handshake and XML signature.
package sat

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/models"
)

var rfcPattern = regexp.MustCompile(`^[A-ZÑ&]{3,4}[0-9]{6}[A-Z0-9]{3}$`)

// ValidRFC reports whether rfc has the shape of a persona física or moral RFC.
func ValidRFC(rfc string) bool {
	return rfcPattern.MatchString(strings.ToUpper(rfc))
}

// ValidPackageID reports whether id is usable as a single file name. Package
// ids come from the gateway and end up in staging paths and object keys.
func ValidPackageID(id string) bool {
	return id != "" && id != "." && filepath.IsLocal(id) && !strings.ContainsAny(id, `/\`)
}

// Session is the authenticated context returned by Authenticate.
type Session struct {
	Token     string
	RFC       string
	ExpiresAt time.Time
}

type BulkRequest struct {
	RFC       string
	Direction models.Direction
	Start     time.Time
	End       time.Time
}

func (r BulkRequest) Validate() error {
	if !ValidRFC(r.RFC) {
		return fmt.Errorf("invalid RFC %q", r.RFC)
	}
	if !r.Direction.Valid() {
		return fmt.Errorf("invalid direction %q", r.Direction)
	}
	if r.Start.IsZero() || r.End.IsZero() {
		return fmt.Errorf("date range is required")
	}
	if r.End.Before(r.Start) {
		return fmt.Errorf("date range start %s is after end %s",
			r.Start.Format(time.DateOnly), r.End.Format(time.DateOnly))
	}
	return nil
}

type RequestReceipt struct {
	RequestID         string
	EstimatedPackages int
}

type VerificationState string

const (
	StateAccepted   VerificationState = "accepted"
	StateInProgress VerificationState = "in_progress"
	StateFinished   VerificationState = "finished"
	StateRejected   VerificationState = "rejected"
	StateExpired    VerificationState = "expired"
)

// Verification is one answer to "are the packages of this request ready".
type Verification struct {
	State      VerificationState
	PackageIDs []string
	Code       string
	Message    string
}

// Client is the capability set the orchestrator needs from the SAT.
type Client interface {
	Authenticate(ctx context.Context, creds *Credentials, rfc string) (Session, error)
	Request(ctx context.Context, session Session, req BulkRequest) (RequestReceipt, error)
	Verify(ctx context.Context, session Session, requestID string) (Verification, error)
	Download(ctx context.Context, session Session, packageID string) ([]byte, error)
}
