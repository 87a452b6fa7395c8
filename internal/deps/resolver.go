// Package deps collects a test file and the local modules it requires, so a
// worker can run it without touching the filesystem.
package deps

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// FileReader supplies file contents by path.
type FileReader interface {
	ReadFile(name string) ([]byte, error)
}

// FileReaderFunc adapts a function to FileReader.
type FileReaderFunc func(name string) ([]byte, error)

func (f FileReaderFunc) ReadFile(name string) ([]byte, error) { return f(name) }

// OSReader reads from the local filesystem.
var OSReader FileReader = FileReaderFunc(os.ReadFile)

// ErrOutsideRoot is returned for a require() that climbs above the root.
var ErrOutsideRoot = errors.New("module path escapes test root")

// requirePattern matches require('x') and require("x") with a literal
// argument. Computed requires are left for the sandbox to reject.
var requirePattern = regexp.MustCompile(`\brequire\s*\(\s*(?:'([^']+)'|"([^"]+)")\s*\)`)

var moduleExts = []string{"", ".js", ".json", "/index.js"}

// Bundle is a test file with everything it loads.
type Bundle struct {
	Path    string
	Content string
	Digest  string
	// Dependencies maps root-relative module paths to their source.
	Dependencies map[string]string
	// Tree maps each file to the modules it requires directly.
	Tree map[string][]string
	// Unresolved lists bare or missing specifiers, which fail at require time.
	Unresolved []string
}

// Resolver follows relative require() calls from a test file.
type Resolver struct {
	root   string
	reader FileReader
}

// NewResolver resolves paths under root. A nil reader uses OSReader.
func NewResolver(root string, reader FileReader) *Resolver {
	if reader == nil {
		reader = OSReader
	}
	return &Resolver{root: filepath.Clean(root), reader: reader}
}

// Resolve loads testPath (root-relative, slash separated) and its local
// dependency graph.
func (r *Resolver) Resolve(testPath string) (*Bundle, error) {
	entry := path.Clean(strings.TrimPrefix(filepath.ToSlash(testPath), "./"))
	src, err := r.read(entry)
	if err != nil {
		return nil, fmt.Errorf("read test %s: %w", entry, err)
	}

	b := &Bundle{
		Path:         entry,
		Content:      string(src),
		Digest:       Digest(src),
		Dependencies: make(map[string]string),
		Tree:         make(map[string][]string),
	}

	unresolved := make(map[string]bool)
	queue := []string{entry}
	sources := map[string][]byte{entry: src}
	for len(queue) > 0 {
		file := queue[0]
		queue = queue[1:]

		var edges []string
		for _, spec := range Requires(string(sources[file])) {
			if !isRelative(spec) {
				unresolved[spec] = true
				continue
			}
			target, data, err := r.locate(path.Dir(file), spec)
			if err != nil {
				if errors.Is(err, ErrOutsideRoot) {
					return nil, fmt.Errorf("%s: require(%q): %w", file, spec, err)
				}
				unresolved[spec] = true
				continue
			}
			edges = append(edges, target)
			if _, seen := sources[target]; seen {
				continue
			}
			sources[target] = data
			b.Dependencies[target] = string(data)
			queue = append(queue, target)
		}
		sort.Strings(edges)
		b.Tree[file] = edges
	}

	for spec := range unresolved {
		b.Unresolved = append(b.Unresolved, spec)
	}
	sort.Strings(b.Unresolved)
	return b, nil
}

// locate tries spec relative to dir with the usual extensions.
func (r *Resolver) locate(dir, spec string) (string, []byte, error) {
	base := path.Join(dir, spec)
	if base == ".." || strings.HasPrefix(base, "../") {
		return "", nil, ErrOutsideRoot
	}
	var lastErr error
	for _, ext := range moduleExts {
		candidate := base + ext
		data, err := r.read(candidate)
		if err == nil {
			return candidate, data, nil
		}
		lastErr = err
	}
	return "", nil, lastErr
}

func (r *Resolver) read(rel string) ([]byte, error) {
	return r.reader.ReadFile(filepath.Join(r.root, filepath.FromSlash(rel)))
}

// Requires lists the literal require() specifiers in src, in order of
// first appearance.
func Requires(src string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range requirePattern.FindAllStringSubmatch(src, -1) {
		spec := m[1]
		if spec == "" {
			spec = m[2]
		}
		if !seen[spec] {
			seen[spec] = true
			out = append(out, spec)
		}
	}
	return out
}

func isRelative(spec string) bool {
	return strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../")
}

// Digest returns the BLAKE3 hex digest of data.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// BundleDigest identifies a test together with its dependency sources, so
// a changed helper changes the job's dedupe key.
func BundleDigest(b *Bundle) string {
	h := blake3.New()
	_, _ = h.Write([]byte(b.Path + "\x00" + b.Digest + "\x00"))
	keys := make([]string, 0, len(b.Dependencies))
	for k := range b.Dependencies {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = h.Write([]byte(k + "\x00" + Digest([]byte(b.Dependencies[k])) + "\x00"))
	}
	return hex.EncodeToString(h.Sum(nil))
}
