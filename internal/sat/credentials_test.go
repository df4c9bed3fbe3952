package sat

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestCredentials creates a self-signed certificate valid in
// [notBefore, notAfter] whose subject carries holder in the unique identifier.
func writeTestCredentials(t *testing.T, dir, holder string, notBefore, notAfter time.Time, asPEM bool) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	subject := pkix.Name{CommonName: "CONTRIBUYENTE DE PRUEBA"}
	if holder != "" {
		subject.ExtraNames = []pkix.AttributeTypeAndValue{
			{Type: oidUniqueIdentifier, Value: holder + " / XEXX010101HNEXXXA4"},
		}
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(3000100000050000),
		Subject:      subject,
		NotBefore:    notBefore,
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	certPath := filepath.Join(dir, "fiel.cer")
	data := der
	if asPEM {
		data = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	}
	require.NoError(t, os.WriteFile(certPath, data, 0o600))

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	keyPath := filepath.Join(dir, "fiel.key")
	require.NoError(t, os.WriteFile(keyPath, keyDER, 0o600))
	return certPath, keyPath
}

func TestLoadCredentials(t *testing.T) {
	now := time.Now()
	valid := func(t *testing.T, asPEM bool) (string, string) {
		return writeTestCredentials(t, t.TempDir(), "AAA010101AAA", now.Add(-time.Hour), now.Add(24*time.Hour), asPEM)
	}

	t.Run("der certificate", func(t *testing.T) {
		cert, key := valid(t, false)
		creds, err := LoadCredentials(cert, key, "secret", now)
		require.NoError(t, err)
		assert.Equal(t, "AAA010101AAA", creds.HolderRFC())
		assert.NoError(t, creds.CheckHolder("aaa010101aaa"))
		assert.NotContains(t, creds.String(), "secret")
	})

	t.Run("pem certificate", func(t *testing.T) {
		cert, key := valid(t, true)
		_, err := LoadCredentials(cert, key, "secret", now)
		require.NoError(t, err)
	})

	t.Run("holder mismatch", func(t *testing.T) {
		cert, key := valid(t, false)
		creds, err := LoadCredentials(cert, key, "secret", now)
		require.NoError(t, err)
		var authErr *AuthenticationError
		assert.True(t, errors.As(creds.CheckHolder("BBB010101BBB"), &authErr))
	})

	t.Run("no holder in subject", func(t *testing.T) {
		cert, key := writeTestCredentials(t, t.TempDir(), "", now.Add(-time.Hour), now.Add(time.Hour), false)
		creds, err := LoadCredentials(cert, key, "secret", now)
		require.NoError(t, err)
		assert.Empty(t, creds.HolderRFC())
		assert.NoError(t, creds.CheckHolder("BBB010101BBB"))
	})

	failures := map[string]func(t *testing.T) (string, string, string){
		"missing passphrase": func(t *testing.T) (string, string, string) {
			cert, key := valid(t, false)
			return cert, key, ""
		},
		"expired": func(t *testing.T) (string, string, string) {
			cert, key := writeTestCredentials(t, t.TempDir(), "AAA010101AAA", now.Add(-48*time.Hour), now.Add(-24*time.Hour), false)
			return cert, key, "secret"
		},
		"not yet valid": func(t *testing.T) (string, string, string) {
			cert, key := writeTestCredentials(t, t.TempDir(), "AAA010101AAA", now.Add(time.Hour), now.Add(48*time.Hour), false)
			return cert, key, "secret"
		},
		"missing certificate": func(t *testing.T) (string, string, string) {
			_, key := valid(t, false)
			return filepath.Join(t.TempDir(), "none.cer"), key, "secret"
		},
		"garbage certificate": func(t *testing.T) (string, string, string) {
			_, key := valid(t, false)
			bad := filepath.Join(t.TempDir(), "bad.cer")
			require.NoError(t, os.WriteFile(bad, []byte("not a certificate"), 0o600))
			return bad, key, "secret"
		},
		"empty key": func(t *testing.T) (string, string, string) {
			cert, key := valid(t, false)
			require.NoError(t, os.WriteFile(key, nil, 0o600))
			return cert, key, "secret"
		},
	}
	for name, setup := range failures {
		t.Run(name, func(t *testing.T) {
			cert, key, pass := setup(t)
			_, err := LoadCredentials(cert, key, pass, now)
			var authErr *AuthenticationError
			assert.True(t, errors.As(err, &authErr), "got %v", err)
		})
	}
}

func TestRemoveFiles(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.cer")
	require.NoError(t, os.WriteFile(a, []byte("x"), 0o600))

	require.NoError(t, RemoveFiles(a, filepath.Join(dir, "missing.key"), ""))
	_, err := os.Stat(a)
	assert.True(t, os.IsNotExist(err))
}

func TestValidRFC(t *testing.T) {
	assert.True(t, ValidRFC("AAA010101AAA"))
	assert.True(t, ValidRFC("XEXX010101000"))
	assert.True(t, ValidRFC("aaa010101aaa"))
	assert.False(t, ValidRFC("AAA01010"))
	assert.False(t, ValidRFC(""))
}

func TestBulkRequest_Validate(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)

	ok := BulkRequest{RFC: "AAA010101AAA", Direction: "issued", Start: start, End: end}
	assert.NoError(t, ok.Validate())

	bad := ok
	bad.RFC = "nope"
	assert.Error(t, bad.Validate())

	bad = ok
	bad.Direction = "sideways"
	assert.Error(t, bad.Validate())

	bad = ok
	bad.Start, bad.End = end, start
	assert.Error(t, bad.Validate())

	bad = ok
	bad.Start = time.Time{}
	assert.Error(t, bad.Validate())
}
