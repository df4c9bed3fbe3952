package job

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/cancel"
	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/config"
	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/download"
	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/extract"
	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/models"
	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/parse"
	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/poll"
	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/sat"
	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/store/memory"
	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/telemetry"
)

const testRFC = "AAA010101AAA"

const validCFDI = `<?xml version="1.0" encoding="UTF-8"?>
<cfdi:Comprobante xmlns:cfdi="http://www.sat.gob.mx/cfd/4" xmlns:tfd="http://www.sat.gob.mx/TimbreFiscalDigital"
  Version="4.0" Fecha="2024-01-10T12:00:00" SubTotal="1000.00" Total="1160.00" Moneda="MXN" MetodoPago="PUE" FormaPago="03">
  <cfdi:Emisor Rfc="AAA010101AAA" Nombre="EMISORA"/>
  <cfdi:Receptor Rfc="BBB010101BBB" Nombre="CLIENTE" UsoCFDI="G03"/>
  <cfdi:Complemento>
    <tfd:TimbreFiscalDigital UUID="%s"/>
  </cfdi:Complemento>
</cfdi:Comprobante>`

const missingTotalCFDI = `<cfdi:Comprobante xmlns:cfdi="http://www.sat.gob.mx/cfd/4" Fecha="2024-01-11T12:00:00" SubTotal="10.00">
  <cfdi:Emisor Rfc="AAA010101AAA"/>
  <cfdi:Receptor Rfc="BBB010101BBB"/>
</cfdi:Comprobante>`

var oidUniqueIdentifier = asn1.ObjectIdentifier{2, 5, 4, 45}

func writeCredentials(t *testing.T, holder string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName: "CONTRIBUYENTE",
			ExtraNames: []pkix.AttributeTypeAndValue{{Type: oidUniqueIdentifier, Value: holder + " / XEXX010101HNEXXXA4"}},
		},
		NotBefore: now.Add(-time.Hour),
		NotAfter:  now.Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	certPath := filepath.Join(dir, "fiel.cer")
	require.NoError(t, os.WriteFile(certPath, der, 0o600))
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	keyPath := filepath.Join(dir, "fiel.key")
	require.NoError(t, os.WriteFile(keyPath, keyDER, 0o600))
	return certPath, keyPath
}

func buildZip(t *testing.T, docs map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, name := range sortedKeys(docs) {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(docs[name]))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type fakeGateway struct {
	authErr    error
	requestErr error
	receipt    sat.RequestReceipt
	lastReq    sat.BulkRequest
}

func (g *fakeGateway) Authenticate(_ context.Context, _ *sat.Credentials, rfc string) (sat.Session, error) {
	if g.authErr != nil {
		return sat.Session{}, g.authErr
	}
	return sat.Session{Token: "tok", RFC: rfc}, nil
}

func (g *fakeGateway) Request(_ context.Context, _ sat.Session, req sat.BulkRequest) (sat.RequestReceipt, error) {
	g.lastReq = req
	if g.requestErr != nil {
		return sat.RequestReceipt{}, g.requestErr
	}
	return g.receipt, nil
}

type fakePoller struct {
	ids     []string
	err     error
	block   bool
	panics  string
	entered chan struct{}
}

func (p *fakePoller) WaitForPackages(ctx context.Context, _ sat.Session, _ string) ([]string, error) {
	if p.entered != nil {
		close(p.entered)
	}
	if p.panics != "" {
		panic(p.panics)
	}
	if p.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return p.ids, p.err
}

// fakeDownloader stages payloads under dir like the real downloader does.
type fakeDownloader struct {
	mu       sync.Mutex
	dir      string
	payloads map[string][]byte
	failures map[string]error
	fetched  []string
	cleaned  []string
}

func (d *fakeDownloader) Fetch(_ context.Context, _ sat.Session, _, packageID string) (download.Payload, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fetched = append(d.fetched, packageID)
	if err, ok := d.failures[packageID]; ok {
		return download.Payload{}, &sat.DownloadError{PackageID: packageID, Err: err}
	}
	path := filepath.Join(d.dir, packageID+".zip")
	data := d.payloads[packageID]
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return download.Payload{}, &sat.DownloadError{PackageID: packageID, Err: err}
	}
	return download.Payload{PackageID: packageID, Path: path, Size: int64(len(data))}, nil
}

func (d *fakeDownloader) Cleanup(jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cleaned = append(d.cleaned, jobID)
	return nil
}

type fakeArchive struct {
	keys    []string
	uploads [][]byte
	err     error
}

func (a *fakeArchive) Put(_ context.Context, key, path string) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	a.keys = append(a.keys, key)
	a.uploads = append(a.uploads, data)
	return "s3://cfdi/" + key, nil
}

type harness struct {
	svc        *Service
	store      *memory.Store
	gateway    *fakeGateway
	poller     *fakePoller
	downloader *fakeDownloader
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	tracer, meter, logger := telemetry.Noop()
	extractor, err := extract.NewExtractor(config.Default(), tracer, logger, meter)
	require.NoError(t, err)

	h := &harness{
		store:      memory.New(),
		gateway:    &fakeGateway{receipt: sat.RequestReceipt{RequestID: "REQ-1", EstimatedPackages: 1}},
		poller:     &fakePoller{ids: []string{"PKG-1"}},
		downloader: &fakeDownloader{dir: t.TempDir(), payloads: map[string][]byte{}, failures: map[string]error{}},
	}
	svc, err := NewService(config.Default(), Dependencies{
		Store:      h.store,
		Gateway:    h.gateway,
		Poller:     h.poller,
		Downloader: h.downloader,
		Extractor:  extractor,
		Parser:     parse.RegexParser{},
		Flags:      cancel.NewMemoryFlags(),
	}, tracer, logger, meter)
	require.NoError(t, err)
	svc.CancelInterval = 5 * time.Millisecond
	h.svc = svc
	return h
}

func (h *harness) params(t *testing.T) StartParams {
	cert, key := writeCredentials(t, testRFC)
	return StartParams{
		RFC:        testRFC,
		Direction:  models.DirectionIssued,
		Start:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:        time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
		CertPath:   cert,
		KeyPath:    key,
		Passphrase: "12345678a",
	}
}

func (h *harness) runToEnd(t *testing.T, p StartParams) *StatusReport {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, err := h.svc.Start(ctx, p)
	require.NoError(t, err)
	require.NoError(t, h.svc.Wait(ctx, id))
	report, err := h.svc.Status(ctx, id)
	require.NoError(t, err)
	return report
}

func logsAt(report *StatusReport, level models.Severity) []models.LogEntry {
	var out []models.LogEntry
	for _, l := range report.Logs {
		if l.Level == level {
			out = append(out, l)
		}
	}
	return out
}

func assertRemoved(t *testing.T, paths ...string) {
	t.Helper()
	for _, p := range paths {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err), "%s still exists", p)
	}
}

func TestService_ImportsValidAndSkipsMalformed(t *testing.T) {
	h := newHarness(t)
	h.downloader.payloads["PKG-1"] = buildZip(t, map[string]string{
		"a.xml": fmt.Sprintf(validCFDI, "11111111-2222-3333-4444-555555555555"),
		"b.xml": missingTotalCFDI,
	})
	p := h.params(t)

	report := h.runToEnd(t, p)

	assert.Equal(t, models.JobDone, report.Job.Status)
	assert.Nil(t, report.Job.ErrorMessage)
	require.NotNil(t, report.Job.StartedAt)
	require.NotNil(t, report.Job.FinishedAt)
	assert.Equal(t, Counts{Requested: 1, Available: 1, Downloaded: 1, Imported: 1}, report.Counts)

	require.Len(t, report.Packages, 1)
	assert.Equal(t, "PKG-1", report.Packages[0].SATPackageID)
	assert.Equal(t, models.PackageDownloaded, report.Packages[0].Status)
	assert.Nil(t, report.Packages[0].StorageRef)

	invoices := h.store.Invoices()
	require.Len(t, invoices, 1)
	assert.Equal(t, "1160.00", invoices[0].Total.StringFixed(2))
	assert.Equal(t, "160.00", invoices[0].Tax.StringFixed(2))
	assert.Equal(t, "11111111-2222-3333-4444-555555555555", invoices[0].Folio)

	warns := logsAt(report, models.SeverityWarn)
	require.Len(t, warns, 1)
	assert.Contains(t, warns[0].Message, "b.xml")
	assert.Empty(t, logsAt(report, models.SeverityError))
	assert.Equal(t, "Process completed.", report.Logs[len(report.Logs)-1].Message)

	assertRemoved(t, p.CertPath, p.KeyPath)
	assert.Len(t, h.downloader.cleaned, 1)
	assert.Equal(t, sat.BulkRequest{RFC: testRFC, Direction: models.DirectionIssued, Start: p.Start, End: p.End}, h.gateway.lastReq)
}

func TestService_PartialDownloadFailure(t *testing.T) {
	h := newHarness(t)
	h.poller.ids = []string{"PKG-1", "PKG-2", "PKG-3"}
	h.gateway.receipt.EstimatedPackages = 3
	h.downloader.payloads["PKG-1"] = buildZip(t, map[string]string{"a.xml": fmt.Sprintf(validCFDI, "AAAAAAAA-0000-0000-0000-000000000001")})
	h.downloader.failures["PKG-2"] = errors.New("connection reset")
	h.downloader.payloads["PKG-3"] = buildZip(t, map[string]string{"c.xml": fmt.Sprintf(validCFDI, "AAAAAAAA-0000-0000-0000-000000000003")})

	report := h.runToEnd(t, h.params(t))

	assert.Equal(t, models.JobDone, report.Job.Status)
	assert.Equal(t, 3, report.Counts.Available)
	assert.Equal(t, 2, report.Counts.Downloaded)
	assert.Equal(t, 2, report.Counts.Imported)

	downloaded := 0
	for _, pkg := range report.Packages {
		switch pkg.SATPackageID {
		case "PKG-2":
			assert.Equal(t, models.PackageFailed, pkg.Status)
			require.NotNil(t, pkg.ErrorMessage)
			assert.Contains(t, *pkg.ErrorMessage, "connection reset")
		default:
			assert.Equal(t, models.PackageDownloaded, pkg.Status)
		}
		if pkg.Status == models.PackageDownloaded {
			downloaded++
		}
	}
	assert.Equal(t, report.Counts.Downloaded, downloaded)
	assert.Len(t, logsAt(report, models.SeverityError), 1)
}

func TestService_ExtractionFailureIsContained(t *testing.T) {
	h := newHarness(t)
	h.downloader.payloads["PKG-1"] = []byte("not a zip archive")

	report := h.runToEnd(t, h.params(t))

	assert.Equal(t, models.JobDone, report.Job.Status)
	assert.Zero(t, report.Counts.Downloaded)
	require.Len(t, report.Packages, 1)
	assert.Equal(t, models.PackageFailed, report.Packages[0].Status)
	assert.NotEmpty(t, logsAt(report, models.SeverityWarn))
}

func TestService_EmptyPackage(t *testing.T) {
	h := newHarness(t)
	h.downloader.payloads["PKG-1"] = nil

	report := h.runToEnd(t, h.params(t))

	assert.Equal(t, models.JobDone, report.Job.Status)
	assert.Equal(t, 1, report.Counts.Downloaded)
	assert.Zero(t, report.Counts.Imported)
}

func TestService_AuthenticationFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	h.gateway.authErr = &sat.AuthenticationError{Reason: "invalid credentials"}
	p := h.params(t)

	report := h.runToEnd(t, p)

	assert.Equal(t, models.JobError, report.Job.Status)
	require.NotNil(t, report.Job.ErrorMessage)
	assert.Contains(t, *report.Job.ErrorMessage, "authentication failed")
	assert.NotNil(t, report.Job.FinishedAt)
	assert.Empty(t, report.Packages)
	assert.Empty(t, h.downloader.fetched)
	assertRemoved(t, p.CertPath, p.KeyPath)

	errs := logsAt(report, models.SeverityError)
	require.Len(t, errs, 1)
	assert.Equal(t, *report.Job.ErrorMessage, errs[0].Message)
}

func TestService_StatusListsEncodeAsArrays(t *testing.T) {
	h := newHarness(t)
	h.gateway.authErr = &sat.AuthenticationError{Reason: "invalid credentials"}

	report := h.runToEnd(t, h.params(t))

	raw, err := json.Marshal(report)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"packages":[]`)
}

func TestService_RejectedRequestIsFatal(t *testing.T) {
	h := newHarness(t)
	h.gateway.requestErr = &sat.RequestRejectedError{Code: "5002", Message: "lifetime limit reached"}

	report := h.runToEnd(t, h.params(t))

	assert.Equal(t, models.JobError, report.Job.Status)
	assert.Contains(t, *report.Job.ErrorMessage, "5002")
	assert.Zero(t, report.Counts.Requested)
}

func TestService_HolderMismatchIsFatal(t *testing.T) {
	h := newHarness(t)
	p := h.params(t)
	p.RFC = "BBB010101BBB"

	report := h.runToEnd(t, p)

	assert.Equal(t, models.JobError, report.Job.Status)
	assert.Contains(t, *report.Job.ErrorMessage, "certificate belongs to")
	assertRemoved(t, p.CertPath, p.KeyPath)
}

func TestService_PollTimeoutIsFatal(t *testing.T) {
	h := newHarness(t)
	h.poller.err = &poll.PollTimeoutError{RequestID: "REQ-1", Attempts: 40, Waited: 2 * time.Hour}
	p := h.params(t)

	report := h.runToEnd(t, p)

	assert.Equal(t, models.JobError, report.Job.Status)
	require.NotNil(t, report.Job.ErrorMessage)
	assert.Contains(t, *report.Job.ErrorMessage, "REQ-1")
	assert.Equal(t, 1, report.Counts.Requested)
	assert.Zero(t, report.Counts.Available)
	assert.Empty(t, report.Packages)
	assert.Empty(t, h.downloader.fetched)
	assertRemoved(t, p.CertPath, p.KeyPath)
	assert.Len(t, h.downloader.cleaned, 1)
}

func TestService_PanicEndsJobInError(t *testing.T) {
	h := newHarness(t)
	h.poller.panics = "boom"
	p := h.params(t)

	report := h.runToEnd(t, p)

	assert.Equal(t, models.JobError, report.Job.Status)
	require.NotNil(t, report.Job.ErrorMessage)
	assert.Equal(t, "internal error: boom", *report.Job.ErrorMessage)
	assert.NotNil(t, report.Job.FinishedAt)
	assertRemoved(t, p.CertPath, p.KeyPath)
	assert.Len(t, h.downloader.cleaned, 1)

	requested, err := h.svc.Flags.Requested(context.Background(), report.Job.ID)
	require.NoError(t, err)
	assert.False(t, requested)
}

func TestService_Cancel(t *testing.T) {
	h := newHarness(t)
	h.poller.block = true
	h.poller.entered = make(chan struct{})
	p := h.params(t)
	ctx, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()

	id, err := h.svc.Start(ctx, p)
	require.NoError(t, err)

	select {
	case <-h.poller.entered:
	case <-ctx.Done():
		t.Fatal("poller never started")
	}
	require.NoError(t, h.svc.Cancel(ctx, id))
	require.NoError(t, h.svc.Wait(ctx, id))

	report, err := h.svc.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobError, report.Job.Status)
	require.NotNil(t, report.Job.ErrorMessage)
	assert.Equal(t, "cancelled by request", *report.Job.ErrorMessage)
	assert.NotNil(t, report.Job.FinishedAt)
	assertRemoved(t, p.CertPath, p.KeyPath)

	assert.ErrorIs(t, h.svc.Cancel(ctx, id), ErrJobFinished)
	requested, err := h.svc.Flags.Requested(ctx, id)
	require.NoError(t, err)
	assert.False(t, requested, "flag is cleared when the job ends")
}

func TestService_SkipsPackagesAlreadyFinished(t *testing.T) {
	h := newHarness(t)
	h.poller.ids = []string{"PKG-1", "PKG-1"}
	h.downloader.payloads["PKG-1"] = buildZip(t, map[string]string{"a.xml": fmt.Sprintf(validCFDI, "BBBBBBBB-0000-0000-0000-000000000001")})

	report := h.runToEnd(t, h.params(t))

	assert.Equal(t, models.JobDone, report.Job.Status)
	assert.Len(t, report.Packages, 1)
	assert.Equal(t, 1, report.Counts.Downloaded)
	assert.Equal(t, 1, report.Counts.Imported)
	assert.Equal(t, []string{"PKG-1"}, h.downloader.fetched)
}

func TestService_DuplicateDocumentsAcrossPackages(t *testing.T) {
	h := newHarness(t)
	h.poller.ids = []string{"PKG-1", "PKG-2"}
	same := buildZip(t, map[string]string{"a.xml": fmt.Sprintf(validCFDI, "CCCCCCCC-0000-0000-0000-000000000001")})
	h.downloader.payloads["PKG-1"] = same
	h.downloader.payloads["PKG-2"] = same

	report := h.runToEnd(t, h.params(t))

	assert.Equal(t, models.JobDone, report.Job.Status)
	assert.Equal(t, 2, report.Counts.Downloaded)
	assert.Equal(t, 1, report.Counts.Imported)
	assert.Len(t, h.store.Invoices(), 1)
	warns := logsAt(report, models.SeverityWarn)
	require.Len(t, warns, 1)
	assert.Contains(t, warns[0].Message, "not imported")
}

func TestService_ArchivesPackages(t *testing.T) {
	h := newHarness(t)
	arch := &fakeArchive{}
	h.svc.Archive = arch
	payload := buildZip(t, map[string]string{"a.xml": fmt.Sprintf(validCFDI, "DDDDDDDD-0000-0000-0000-000000000001")})
	h.downloader.payloads["PKG-1"] = payload

	report := h.runToEnd(t, h.params(t))

	require.Len(t, report.Packages, 1)
	require.NotNil(t, report.Packages[0].StorageRef)
	want := "s3://cfdi/" + testRFC + "/" + report.Job.ID + "/PKG-1.zip"
	assert.Equal(t, want, *report.Packages[0].StorageRef)
	require.Len(t, arch.uploads, 1)
	assert.Equal(t, payload, arch.uploads[0])
}

func TestService_ArchiveFailureOnlyWarns(t *testing.T) {
	h := newHarness(t)
	h.svc.Archive = &fakeArchive{err: errors.New("bucket unavailable")}
	h.downloader.payloads["PKG-1"] = buildZip(t, map[string]string{"a.xml": fmt.Sprintf(validCFDI, "EEEEEEEE-0000-0000-0000-000000000001")})

	report := h.runToEnd(t, h.params(t))

	assert.Equal(t, models.JobDone, report.Job.Status)
	assert.Equal(t, models.PackageDownloaded, report.Packages[0].Status)
	assert.Nil(t, report.Packages[0].StorageRef)
	warns := logsAt(report, models.SeverityWarn)
	require.Len(t, warns, 1)
	assert.Contains(t, warns[0].Message, "not archived")
}

func TestService_StartValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	valid := h.params(t)

	cases := map[string]func(p *StartParams){
		"bad rfc":        func(p *StartParams) { p.RFC = "XYZ" },
		"bad direction":  func(p *StartParams) { p.Direction = "both" },
		"reversed range": func(p *StartParams) { p.Start, p.End = p.End, p.Start },
		"no passphrase":  func(p *StartParams) { p.Passphrase = "" },
		"no key":         func(p *StartParams) { p.KeyPath = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := valid
			mutate(&p)
			_, err := h.svc.Start(ctx, p)
			assert.Error(t, err)
		})
	}
}

func TestService_UnknownJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Status(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.ErrorIs(t, h.svc.Cancel(ctx, "missing"), ErrJobNotFound)
	assert.NoError(t, h.svc.Wait(ctx, "missing"))
}

func TestService_Shutdown(t *testing.T) {
	h := newHarness(t)
	h.downloader.payloads["PKG-1"] = buildZip(t, map[string]string{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := h.svc.Start(ctx, h.params(t))
	require.NoError(t, err)
	require.NoError(t, h.svc.Shutdown(ctx))

	report, err := h.svc.Status(ctx, id)
	require.NoError(t, err)
	assert.True(t, report.Job.Status.Terminal())
}

func TestStageCredentials(t *testing.T) {
	cert, key := writeCredentials(t, testRFC)
	dir := filepath.Join(t.TempDir(), "credentials")

	stagedCert, stagedKey, err := StageCredentials(dir, cert, key)
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(stagedCert))
	assert.Equal(t, dir, filepath.Dir(stagedKey))

	original, err := os.ReadFile(cert)
	require.NoError(t, err)
	copied, err := os.ReadFile(stagedCert)
	require.NoError(t, err)
	assert.Equal(t, original, copied)

	_, _, err = StageCredentials(dir, filepath.Join(t.TempDir(), "missing.cer"), key)
	assert.Error(t, err)
}
