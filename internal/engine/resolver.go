package engine

import (
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/yourusername/edgeserve/internal/config"
)

// resolveOutcome is the result of resolving a request path to a
// filesystem path or a fixed status.
type resolveOutcome struct {
	status     int    // 0 means "serve filePath"; otherwise a final status (403/404/3xx)
	filePath   string // resolved filesystem path, valid when status == 0
	redirectTo string // valid when status is a redirect
}

// resolvePath performs alias substitution, root-escape rejection,
// index probing, and try_files fallback, in that order. It is pure (no
// socket/registry access) so it is straightforward to test in
// isolation.
func resolvePath(srv *config.Server, reqPath string, trailingSlash bool) resolveOutcome {
	if route, ok := matchRoute(srv, reqPath); ok {
		if route.ReturnStatus != 0 {
			return resolveOutcome{status: route.ReturnStatus, redirectTo: route.ReturnBody}
		}
	}

	target := applyAlias(srv, reqPath)

	root := srv.Root
	if root == "" {
		root = "."
	}
	candidate := filepath.Join(root, filepath.FromSlash(target))

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return resolveOutcome{status: 500}
	}
	absCandidate, err := filepath.Abs(candidate)
	if err != nil {
		return resolveOutcome{status: 500}
	}
	if absCandidate != absRoot && !strings.HasPrefix(absCandidate, absRoot+string(filepath.Separator)) {
		return resolveOutcome{status: 403}
	}

	if trailingSlash || reqPath == "/" {
		for _, idx := range srv.Index {
			probe := filepath.Join(absCandidate, idx)
			if isRegularFile(probe) {
				return resolveOutcome{filePath: probe}
			}
		}
		return tryFiles(srv, absRoot, reqPath)
	}

	if isRegularFile(absCandidate) {
		return resolveOutcome{filePath: absCandidate}
	}

	if out, ok := tryFilesIfAny(srv, absRoot, reqPath); ok {
		return out
	}

	return resolveOutcome{status: 404}
}

// matchRoute looks for an exact-URI route entry carrying a fixed
// return_status.
func matchRoute(srv *config.Server, reqPath string) (config.Route, bool) {
	for _, rt := range srv.Routes {
		if rt.URI == reqPath {
			return rt, true
		}
	}
	return config.Route{}, false
}

// applyAlias performs longest-prefix alias substitution.
func applyAlias(srv *config.Server, reqPath string) string {
	bestLen := -1
	best := reqPath
	for _, a := range srv.Aliases {
		if strings.HasPrefix(reqPath, a.Prefix) && len(a.Prefix) > bestLen {
			bestLen = len(a.Prefix)
			remainder := strings.TrimPrefix(reqPath, a.Prefix)
			best = path.Join(a.Target, remainder)
		}
	}
	return best
}

func tryFiles(srv *config.Server, absRoot, reqPath string) resolveOutcome {
	if out, ok := tryFilesIfAny(srv, absRoot, reqPath); ok {
		return out
	}
	return resolveOutcome{status: 404}
}

// tryFilesIfAny probes the try_files fallback list in order, each
// entry either a literal filename or the "$uri" placeholder referring
// to the original request path.
func tryFilesIfAny(srv *config.Server, absRoot, reqPath string) (resolveOutcome, bool) {
	for _, entry := range srv.TryFiles {
		candidate := entry
		if strings.Contains(entry, "$uri") {
			candidate = strings.ReplaceAll(entry, "$uri", strings.TrimPrefix(reqPath, "/"))
		}
		full := filepath.Join(absRoot, filepath.FromSlash(candidate))
		if isRegularFile(full) {
			return resolveOutcome{filePath: full}, true
		}
	}
	return resolveOutcome{}, false
}

func isRegularFile(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}

// extOf returns the filesystem extension (without leading dot) used
// for the MIME lookup.
func extOf(p string) string {
	ext := filepath.Ext(p)
	return strings.TrimPrefix(ext, ".")
}
