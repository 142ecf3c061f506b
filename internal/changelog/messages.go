package changelog

import "fmt"

// NewUpstreamRelease is the change line for a rebase onto an upstream
// release, optionally closing a Launchpad bug.
func NewUpstreamRelease(upstream, bug string) string {
	if bug == "" {
		return fmt.Sprintf("New upstream release %s.", upstream)
	}
	return fmt.Sprintf("New upstream release %s (LP: #%s).", upstream, trimBug(bug))
}

// NewUpstreamSnapshot is the change line for a development snapshot.
func NewUpstreamSnapshot(series string) string {
	if series == "" || series == "master" {
		return "New upstream snapshot."
	}
	return fmt.Sprintf("New upstream snapshot for OpenStack %s.", capitalize(series))
}

// NewStablePointRelease is the change line for a stable point release.
func NewStablePointRelease(series, bug string) string {
	if bug == "" {
		return fmt.Sprintf("New stable point release for OpenStack %s.", capitalize(series))
	}
	return fmt.Sprintf("New stable point release for OpenStack %s (LP: #%s).", capitalize(series), trimBug(bug))
}

func trimBug(bug string) string {
	for _, p := range []string{"LP: #", "LP:#", "LP#", "#"} {
		if len(bug) > len(p) && bug[:len(p)] == p {
			return bug[len(p):]
		}
	}
	return bug
}

func capitalize(s string) string {
	if s == "" || s[0] < 'a' || s[0] > 'z' {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}
