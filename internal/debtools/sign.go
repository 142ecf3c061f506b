package debtools

import (
	"bufio"
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"
	"github.com/spf13/afero"
	"pault.ag/go/debian/control"
)

const signedMessageHeader = "-----BEGIN PGP SIGNED MESSAGE-----"

// Signer signs the upload files of a source package in place
type Signer interface {
	Sign(ctx context.Context, a Artifacts) (Artifacts, error)
}

// OpenPGPSigner clearsigns .dsc and .changes files with an in-process key
type OpenPGPSigner struct {
	fs     afero.Fs
	entity *openpgp.Entity
	logger *slog.Logger
}

// LoadSigner reads an ASCII-armored private key from keyFile. If the key
// is protected, passphraseFile must hold its passphrase.
func LoadSigner(fs afero.Fs, keyFile, passphraseFile string, logger *slog.Logger) (*OpenPGPSigner, error) {
	data, err := afero.ReadFile(fs, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	entities, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}

	var signer *openpgp.Entity
	for _, e := range entities {
		if e.PrivateKey != nil {
			signer = e
			break
		}
	}
	if signer == nil {
		return nil, fmt.Errorf("no private key found in %s", keyFile)
	}

	if signer.PrivateKey.Encrypted {
		if passphraseFile == "" {
			return nil, errors.New("signing key is encrypted and no passphrase file is configured")
		}
		pass, err := afero.ReadFile(fs, passphraseFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read passphrase file: %w", err)
		}
		if err := signer.DecryptPrivateKeys(bytes.TrimRight(pass, "\r\n")); err != nil {
			return nil, fmt.Errorf("failed to decrypt signing key: %w", err)
		}
	}

	return &OpenPGPSigner{fs: fs, entity: signer, logger: logger}, nil
}

// Sign clearsigns the .dsc, updates its checksums in the .changes and
// clearsigns the .changes. Existing signatures are replaced.
func (s *OpenPGPSigner) Sign(ctx context.Context, a Artifacts) (Artifacts, error) {
	if a.DSC == "" {
		return a, fmt.Errorf("%w: nothing to sign", ErrNoArtifacts)
	}

	dsc, err := s.signFile(a.DSC, nil)
	if err != nil {
		return a, err
	}
	s.logger.Info("signed source description", "file", filepath.Base(a.DSC))

	if a.Changes == "" {
		return a, nil
	}
	if err := ctx.Err(); err != nil {
		return a, err
	}

	name := filepath.Base(a.DSC)
	if _, err := s.signFile(a.Changes, func(doc []byte) ([]byte, error) {
		return updateChecksums(doc, name, dsc)
	}); err != nil {
		return a, err
	}
	s.logger.Info("signed changes", "file", filepath.Base(a.Changes))
	return a, nil
}

// signFile replaces path with a clearsigned version of its unsigned
// content, optionally rewritten by edit first. It returns the new content.
func (s *OpenPGPSigner) signFile(path string, edit func([]byte) ([]byte, error)) ([]byte, error) {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	plain, err := stripSignature(data)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if edit != nil {
		if plain, err = edit(plain); err != nil {
			return nil, fmt.Errorf("failed to update %s: %w", filepath.Base(path), err)
		}
	}

	var out bytes.Buffer
	w, err := clearsign.Encode(&out, s.entity.PrivateKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to sign %s: %w", filepath.Base(path), err)
	}
	if _, err := w.Write(plain); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to sign %s: %w", filepath.Base(path), err)
	}

	info, err := s.fs.Stat(path)
	if err != nil {
		return nil, err
	}
	if err := afero.WriteFile(s.fs, path, out.Bytes(), info.Mode().Perm()); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return out.Bytes(), nil
}

// stripSignature returns the signed text of a clearsigned document, or
// the document itself when it is not signed.
func stripSignature(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(bytes.TrimSpace(data), []byte(signedMessageHeader)) {
		return data, nil
	}
	block, _ := clearsign.Decode(data)
	if block == nil {
		return nil, errors.New("malformed signed message")
	}
	return block.Plaintext, nil
}

// updateChecksums rewrites the size and hashes of file name in the
// Files, Checksums-Sha1 and Checksums-Sha256 fields of a .changes document.
// The document is parsed first to make sure it lists name; the rewrite
// itself is done line by line so everything else stays byte for byte.
func updateChecksums(doc []byte, name string, content []byte) ([]byte, error) {
	changes, err := control.ParseChanges(bufio.NewReader(bytes.NewReader(doc)), "")
	if err != nil {
		return nil, fmt.Errorf("failed to parse changes: %w", err)
	}
	listed := false
	for _, f := range changes.Files {
		if f.Filename == name {
			listed = true
			break
		}
	}
	if !listed {
		return nil, fmt.Errorf("changes do not list %s", name)
	}

	md5sum := md5.Sum(content)
	sha1sum := sha1.Sum(content)
	sha256sum := sha256.Sum256(content)
	sums := map[string]string{
		"Files":            hex.EncodeToString(md5sum[:]),
		"Checksums-Sha1":   hex.EncodeToString(sha1sum[:]),
		"Checksums-Sha256": hex.EncodeToString(sha256sum[:]),
	}
	size := strconv.Itoa(len(content))

	lines := strings.Split(string(doc), "\n")
	var field string
	for i, line := range lines {
		if line == "" {
			continue
		}
		if line[0] != ' ' && line[0] != '\t' {
			field, _, _ = strings.Cut(line, ":")
			continue
		}
		sum, ok := sums[field]
		if !ok {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 3 || parts[len(parts)-1] != name {
			continue
		}
		parts[0], parts[1] = sum, size
		lines[i] = " " + strings.Join(parts, " ")
	}
	return []byte(strings.Join(lines, "\n")), nil
}
