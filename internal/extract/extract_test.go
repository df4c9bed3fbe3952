package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/config"
	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/telemetry"
)

type entry struct {
	name    string
	content []byte
}

func buildZip(t *testing.T, entries ...entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, e := range entries {
		f, err := w.Create(e.name)
		require.NoError(t, err)
		_, err = f.Write(e.content)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// stage writes payload where the downloader would leave it.
func stage(t *testing.T, payload []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "PKG-1.zip")
	require.NoError(t, os.WriteFile(path, payload, 0o600))
	return path
}

func newTestExtractor(t *testing.T) *Extractor {
	t.Helper()
	tracer, meter, logger := telemetry.Noop()
	e, err := NewExtractor(config.Default(), tracer, logger, meter)
	require.NoError(t, err)
	return e
}

func names(docs []Document) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.Name)
	}
	return out
}

func TestExtract_XMLEntries(t *testing.T) {
	payload := buildZip(t,
		entry{"A.xml", []byte("<a/>")},
		entry{"sub/B.XML", []byte("<b/>")},
		entry{"readme.txt", []byte("skip me")},
		entry{"folder/", nil},
	)
	docs, err := newTestExtractor(t).Extract(context.Background(), "PKG-1", stage(t, payload))
	require.NoError(t, err)
	assert.Equal(t, []string{"A.xml", "B.XML"}, names(docs))
	assert.Equal(t, []byte("<a/>"), docs[0].Content)
}

func TestExtract_EmptyPayload(t *testing.T) {
	docs, err := newTestExtractor(t).Extract(context.Background(), "PKG-1", stage(t, nil))
	require.NoError(t, err)
	assert.NotNil(t, docs)
	assert.Empty(t, docs)
}

func TestExtract_EmptyArchive(t *testing.T) {
	docs, err := newTestExtractor(t).Extract(context.Background(), "PKG-1", stage(t, buildZip(t)))
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestExtract_NestedZip(t *testing.T) {
	inner := buildZip(t, entry{"inner.xml", []byte("<inner/>")})
	payload := buildZip(t,
		entry{"outer.xml", []byte("<outer/>")},
		entry{"more.zip", inner},
	)
	docs, err := newTestExtractor(t).Extract(context.Background(), "PKG-1", stage(t, payload))
	require.NoError(t, err)
	assert.Equal(t, []string{"outer.xml", "inner.xml"}, names(docs))
}

func TestExtract_NestingTooDeep(t *testing.T) {
	payload := buildZip(t, entry{"d.xml", []byte("<d/>")})
	for i := 0; i < maxNesting+1; i++ {
		payload = buildZip(t, entry{"level.zip", payload})
	}
	_, err := newTestExtractor(t).Extract(context.Background(), "PKG-1", stage(t, payload))
	var extractErr *ExtractionError
	assert.True(t, errors.As(err, &extractErr), "got %v", err)
}

func TestExtract_NotAZip(t *testing.T) {
	_, err := newTestExtractor(t).Extract(context.Background(), "PKG-1", stage(t, []byte("this is not a zip")))
	var extractErr *ExtractionError
	require.True(t, errors.As(err, &extractErr))
	assert.Equal(t, "PKG-1", extractErr.PackageID)
	assert.ErrorIs(t, err, zip.ErrFormat)
}

func TestExtract_CorruptNestedZip(t *testing.T) {
	payload := buildZip(t, entry{"broken.zip", []byte("garbage")})
	_, err := newTestExtractor(t).Extract(context.Background(), "PKG-1", stage(t, payload))
	var extractErr *ExtractionError
	require.True(t, errors.As(err, &extractErr))
	assert.Equal(t, "broken", extractErr.Entry)
}

func TestExtract_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestExtractor(t).Extract(ctx, "PKG-1", stage(t, buildZip(t, entry{"a.xml", []byte("<a/>")})))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExtract_MissingFile(t *testing.T) {
	_, err := newTestExtractor(t).Extract(context.Background(), "PKG-1", filepath.Join(t.TempDir(), "absent.zip"))
	var extractErr *ExtractionError
	require.True(t, errors.As(err, &extractErr))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
