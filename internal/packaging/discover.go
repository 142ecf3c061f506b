package packaging

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"
)

// IsUpstreamEntry reports whether a top-level entry name of a packaging
// tree carries upstream content. The packaging directory and git metadata
// do not.
func IsUpstreamEntry(name string) bool {
	return name != DebianDir && name != ".git"
}

// UpstreamEntries lists the top-level entries of root that hold upstream
// content, sorted by name.
func UpstreamEntries(fs afero.Fs, root string) ([]string, error) {
	infos, err := afero.ReadDir(fs, root)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, info := range infos {
		if IsUpstreamEntry(info.Name()) {
			names = append(names, info.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// DiscoverUpstreamFiles finds every regular file below dir that belongs to
// upstream content, as paths relative to dir. A top-level debian/ or .git
// is skipped, other hidden files (.gitignore, .zuul.yaml) are upstream
// content. Symlinks are reported as files.
func DiscoverUpstreamFiles(fs afero.Fs, dir string) ([]string, error) {
	var files []string

	err := afero.Walk(fs, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		// Only the top level is special
		if filepath.Dir(rel) == "." && !IsUpstreamEntry(info.Name()) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if !info.IsDir() {
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})

	if err != nil {
		return nil, err
	}

	return files, nil
}
