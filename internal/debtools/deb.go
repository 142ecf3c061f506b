package debtools

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/blakesmith/ar"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
	"github.com/ulikunitz/xz"
)

// DebInfo is the identifying control data of a binary package
type DebInfo struct {
	Path         string
	Package      string
	Version      string
	Architecture string
	Depends      string
}

// ReadDeb reads the control file of the .deb at path.
func ReadDeb(fs afero.Fs, path string) (DebInfo, error) {
	f, err := fs.Open(path)
	if err != nil {
		return DebInfo{}, err
	}
	defer func() {
		_ = f.Close()
	}()

	control, err := extractControl(f)
	if err != nil {
		return DebInfo{}, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}

	info := DebInfo{Path: path}
	for key, val := range parseControl(control) {
		switch key {
		case "Package":
			info.Package = val
		case "Version":
			info.Version = val
		case "Architecture":
			info.Architecture = val
		case "Depends":
			info.Depends = val
		}
	}
	return info, nil
}

// extractControl finds the control.tar member of an ar archive and
// returns its control file.
func extractControl(r io.Reader) (string, error) {
	arR := ar.NewReader(r)
	for {
		header, err := arR.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		name := strings.TrimSuffix(header.Name, "/")
		if !strings.HasPrefix(name, "control.tar") {
			continue
		}

		body, closeFn, err := decompress(name, io.LimitReader(arR, header.Size))
		if err != nil {
			return "", err
		}
		defer closeFn()

		tr := tar.NewReader(body)
		for {
			th, err := tr.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return "", err
			}
			if filepath.Base(th.Name) == "control" {
				data, err := io.ReadAll(tr)
				if err != nil {
					return "", err
				}
				return string(data), nil
			}
		}
	}
	return "", fmt.Errorf("control file not found")
}

func decompress(name string, r io.Reader) (io.Reader, func(), error) {
	switch filepath.Ext(name) {
	case ".tar":
		return r, func() {}, nil
	case ".gz":
		gzr, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return gzr, func() { _ = gzr.Close() }, nil
	case ".xz":
		xzr, err := xz.NewReader(bufio.NewReader(r))
		if err != nil {
			return nil, nil, err
		}
		return xzr, func() {}, nil
	case ".zst":
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return zr, zr.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported control member %s", name)
	}
}

// parseControl parses a single deb822 stanza. Continuation lines are
// folded into the preceding field.
func parseControl(content string) map[string]string {
	fields := make(map[string]string)
	var key string
	for _, line := range strings.Split(content, "\n") {
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if key != "" {
				fields[key] += "\n" + line
			}
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(k)
		fields[key] = strings.TrimSpace(v)
	}
	return fields
}
