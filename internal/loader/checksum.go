package loader

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// ErrChecksumMismatch is returned when a weights file does not match the
// digest its manifest declares.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// Checksum returns the hex SHA-256 digest of the file at path.
func Checksum(path string) (string, error) {
	//nolint:gosec // G304: weights path comes from the manifest
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "failed to open weights")
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrapf(err, "failed to read %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyChecksum compares the SHA-256 digest of path against want, a hex
// string in either case.
func VerifyChecksum(path, want string) error {
	got, err := Checksum(path)
	if err != nil {
		return err
	}
	if !strings.EqualFold(got, strings.TrimSpace(want)) {
		return errors.Wrapf(ErrChecksumMismatch, "%s: sha256 %s, want %s", path, got, want)
	}
	return nil
}
