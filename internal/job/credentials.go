package job

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/sat"
)

// StageCredentials copies the certificate and key into private temporary
// files under dir. A job consumes the copies, leaving the caller's originals
// in place.
func StageCredentials(dir, certPath, keyPath string) (string, string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", "", fmt.Errorf("create credentials dir: %w", err)
	}
	stagedCert, err := copyPrivate(dir, "cert-*.cer", certPath)
	if err != nil {
		return "", "", err
	}
	stagedKey, err := copyPrivate(dir, "key-*.key", keyPath)
	if err != nil {
		_ = sat.RemoveFiles(stagedCert)
		return "", "", err
	}
	return stagedCert, stagedKey, nil
}

func copyPrivate(dir, pattern, src string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", filepath.Base(src), err)
	}
	defer in.Close()

	out, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", fmt.Errorf("stage %s: %w", filepath.Base(src), err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(out.Name())
		return "", fmt.Errorf("stage %s: %w", filepath.Base(src), err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(out.Name())
		return "", err
	}
	return out.Name(), nil
}
