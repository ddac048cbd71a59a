package verify

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/averos/backstop/internal/models"
)

// How much of an artifact the shallow check is allowed to read.
const prefixLimit = 1 << 20 // 1 MiB

// Verifier performs a shallow, non-destructive integrity check on a freshly
// produced artifact: it must exist, be non-empty, and where the format
// supports it a bounded prefix must decode cleanly. It never attempts a
// restore test.
type Verifier struct{}

// New creates a Verifier.
func New() *Verifier {
	return &Verifier{}
}

// Check verifies the artifact at uri. A nil return means pass.
func (v *Verifier) Check(uri string) error {
	fi, err := os.Stat(uri)
	if err != nil {
		return models.WrapFailure(models.ErrVerifyFailed, "artifact missing: %v", err)
	}
	if fi.Size() == 0 {
		return models.WrapFailure(models.ErrVerifyFailed, "artifact %s is empty", filepath.Base(uri))
	}

	f, err := os.Open(uri)
	if err != nil {
		return models.WrapFailure(models.ErrVerifyFailed, "artifact unreadable: %v", err)
	}
	defer f.Close()
	prefix := io.LimitReader(f, prefixLimit)

	switch {
	case strings.HasSuffix(uri, ".sql.gz"):
		err = checkGzip(prefix)
	case strings.HasSuffix(uri, ".rdb"):
		err = checkRDB(prefix)
	case strings.HasSuffix(uri, ".tar"):
		err = checkTar(prefix)
	case strings.HasSuffix(uri, ".json"):
		err = checkJSON(prefix)
	default:
		// Unknown format: existence and size are all we can assert.
		err = nil
	}
	if err != nil {
		return models.WrapFailure(models.ErrVerifyFailed, "artifact %s: %v", filepath.Base(uri), err)
	}
	return nil
}

func checkGzip(r io.Reader) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("bad gzip header: %w", err)
	}
	defer gz.Close()
	// Inflate a bounded prefix; a truncated or corrupt stream fails here.
	if _, err := io.Copy(io.Discard, io.LimitReader(gz, prefixLimit)); err != nil {
		return fmt.Errorf("gzip prefix does not inflate: %w", err)
	}
	return nil
}

func checkRDB(r io.Reader) error {
	magic := make([]byte, 5)
	if _, err := io.ReadFull(r, magic); err != nil {
		return fmt.Errorf("short read: %w", err)
	}
	if !bytes.Equal(magic, []byte("REDIS")) {
		return fmt.Errorf("missing RDB magic")
	}
	return nil
}

func checkTar(r io.Reader) error {
	tr := tar.NewReader(r)
	if _, err := tr.Next(); err != nil {
		return fmt.Errorf("unreadable tar header: %w", err)
	}
	return nil
}

func checkJSON(r io.Reader) error {
	dec := json.NewDecoder(r)
	var doc map[string]json.RawMessage
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("does not decode as JSON: %w", err)
	}
	return nil
}
