package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobError   JobStatus = "error"
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == JobDone || s == JobError
}

// CanTransition encodes queued -> running -> {done, error}.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobQueued:
		return next == JobRunning || next == JobError
	case JobRunning:
		return next == JobRunning || next == JobDone || next == JobError
	default:
		return false
	}
}

type PackageStatus string

const (
	PackageDownloading PackageStatus = "downloading"
	PackageDownloaded  PackageStatus = "downloaded"
	PackageFailed      PackageStatus = "failed"
)

func (s PackageStatus) Terminal() bool {
	return s == PackageDownloaded || s == PackageFailed
}

type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

type Direction string

const (
	DirectionIssued   Direction = "issued"
	DirectionReceived Direction = "received"
)

func (d Direction) Valid() bool {
	return d == DirectionIssued || d == DirectionReceived
}

// Job is one bulk-retrieval run.
type Job struct {
	ID                 string     `json:"id"`
	RFC                string     `json:"rfc"`
	Direction          Direction  `json:"type"`
	DateStart          time.Time  `json:"dateStart"`
	DateEnd            time.Time  `json:"dateEnd"`
	Status             JobStatus  `json:"status"`
	RequestedPackages  int        `json:"requestedPackages"`
	AvailablePackages  int        `json:"availablePackages"`
	DownloadedPackages int        `json:"downloadedPackages"`
	ImportedXML        int        `json:"importedXml"`
	ErrorMessage       *string    `json:"errorMessage"`
	CreatedAt          time.Time  `json:"createdAt"`
	StartedAt          *time.Time `json:"startedAt"`
	FinishedAt         *time.Time `json:"finishedAt"`
}

// JobCounters holds increments applied atomically by the store.
type JobCounters struct {
	DownloadedPackages int
	ImportedXML        int
}

// JobUpdate is a partial update; nil fields are left untouched.
type JobUpdate struct {
	Status            *JobStatus
	RequestedPackages *int
	AvailablePackages *int
	ErrorMessage      *string
	StartedAt         *time.Time
	FinishedAt        *time.Time
}

// Package is one downloadable unit belonging to a Job.
type Package struct {
	ID           string        `json:"id"`
	JobID        string        `json:"jobId"`
	SATPackageID string        `json:"satPackageId"`
	Status       PackageStatus `json:"status"`
	StorageRef   *string       `json:"zipPath"`
	ErrorMessage *string       `json:"errorMessage"`
	DownloadedAt *time.Time    `json:"downloadedAt"`
	CreatedAt    time.Time     `json:"createdAt"`
}

type PackageUpdate struct {
	Status       PackageStatus
	StorageRef   *string
	ErrorMessage *string
	DownloadedAt *time.Time
}

// LogEntry is an append-only audit record of a job.
type LogEntry struct {
	ID        string    `json:"id"`
	JobID     string    `json:"jobId"`
	Level     Severity  `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"ts"`
}

// FiscalRecord is the normalized form of one CFDI document.
type FiscalRecord struct {
	Folio         string          `json:"folio"`
	UUID          string          `json:"uuid,omitempty"`
	Series        string          `json:"series,omitempty"`
	EmitterRFC    string          `json:"emitterRfc"`
	EmitterName   string          `json:"emitterName"`
	ReceiverRFC   string          `json:"receiverRfc"`
	ReceiverName  string          `json:"receiverName"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	Tax           decimal.Decimal `json:"tax"`
	Total         decimal.Decimal `json:"total"`
	Currency      string          `json:"currency"`
	PaymentMethod string          `json:"paymentMethod"`
	PaymentForm   string          `json:"paymentForm"`
	CFDIUse       string          `json:"cfdiUse"`
	IssueDate     time.Time       `json:"issueDate"`
	SourceName    string          `json:"-"`
}
