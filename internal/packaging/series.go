package packaging

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// ParseSeries parses the contents of a quilt series file. Comments and
// blank lines are ignored; order is preserved.
func ParseSeries(data []byte) ([]PatchRef, error) {
	var series []PatchRef
	seen := make(map[string]bool)

	sc := bufio.NewScanner(bytes.NewReader(data))
	for lineNo := 1; sc.Scan(); lineNo++ {
		line := sc.Text()
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		name := fields[0]
		if path.IsAbs(name) || strings.Contains("/"+name+"/", "/../") {
			return nil, fmt.Errorf("series line %d: patch %q escapes the patches directory", lineNo, name)
		}
		if seen[name] {
			return nil, fmt.Errorf("series line %d: duplicate patch %q", lineNo, name)
		}
		seen[name] = true

		series = append(series, PatchRef{
			Name:    name,
			Path:    path.Join(PatchesDir, name),
			Options: strings.Join(fields[1:], " "),
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read series: %w", err)
	}
	return series, nil
}

// ReadSeries reads debian/patches/series below root. A missing series file
// is an empty series.
func ReadSeries(fs afero.Fs, root string) ([]PatchRef, error) {
	data, err := afero.ReadFile(fs, filepath.Join(root, SeriesPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read series: %w", err)
	}
	return ParseSeries(data)
}
