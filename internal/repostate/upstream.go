package repostate

import (
	"context"
	"fmt"
	"strings"

	"github.com/schaermu/uosp/internal/version"
)

// UpstreamTag returns the tag recording upstream content for v. The epoch
// is not part of it and "~" is mangled to "_" as git-buildpackage does.
func UpstreamTag(v version.Version) string {
	return "upstream/" + strings.ReplaceAll(v.UpstreamString(), "~", "_")
}

// RecordUpstream imports the content at contentRoot onto the upstream
// branch and tags it for v. It never touches the checked out branch.
// An existing tag for v is left alone.
func (r *Repository) RecordUpstream(ctx context.Context, root, contentRoot string, v version.Version) (string, error) {
	tag := UpstreamTag(v)
	if commit, err := r.git.RevParse(ctx, root, "refs/tags/"+tag); err == nil {
		return commit, nil
	}

	msg := fmt.Sprintf("Import upstream version %s", v.UpstreamString())
	commit, err := r.git.ImportTree(ctx, root, contentRoot, r.layout.Upstream, msg)
	if err != nil {
		return "", fmt.Errorf("failed to import upstream content: %w", err)
	}
	if err := r.git.Tag(ctx, root, tag, commit, msg); err != nil {
		return "", err
	}
	return commit, nil
}
