// Package definition stores workflow documents and resolves them by name
// and version. Stores persist the raw document bytes so a retrieved
// definition is byte-identical to what was posted.
package definition

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/flowd-io/flowd/dsl"
)

// ErrNotFound is returned when no definition matches a name and version.
var ErrNotFound = errors.New("definition not found")

// Ref identifies one stored definition.
type Ref struct {
	Name    string
	Version string
}

func (r Ref) String() string {
	return r.Name + "/" + r.Version
}

// Store persists workflow definitions. Get with an empty version resolves
// the latest stored version of the name.
type Store interface {
	// Get returns the parsed definition.
	Get(ctx context.Context, name, version string) (*dsl.Workflow, error)
	// Put parses, validates and stores a document, returning the parsed
	// form. An existing (name, version) is replaced.
	Put(ctx context.Context, doc []byte) (*dsl.Workflow, error)
	// Delete removes one version, or every version when version is empty.
	Delete(ctx context.Context, name, version string) error
	// List returns the stored references sorted by name then version.
	List(ctx context.Context) ([]Ref, error)
}

// ChangeFunc is notified after a definition is stored or removed, e.g. to
// invalidate parsed-tree caches.
type ChangeFunc func(name, version string)

// compareVersions orders dotted version strings: numeric segments compare
// numerically ("0.10.0" > "0.9.0"), others lexically.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv string
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}
		an, aerr := strconv.Atoi(av)
		bn, berr := strconv.Atoi(bv)
		switch {
		case aerr == nil && berr == nil:
			if an != bn {
				if an < bn {
					return -1
				}
				return 1
			}
		default:
			if av != bv {
				if av < bv {
					return -1
				}
				return 1
			}
		}
	}
	return 0
}

// latestVersion returns the highest version among refs of one name.
func latestVersion(versions []string) string {
	best := ""
	for _, v := range versions {
		if best == "" || compareVersions(v, best) > 0 {
			best = v
		}
	}
	return best
}

// Memory is an in-process store. Safe for concurrent use.
type Memory struct {
	mu       sync.RWMutex
	docs     map[string]map[string]*stored
	onChange ChangeFunc
}

type stored struct {
	source   []byte
	workflow *dsl.Workflow
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string]map[string]*stored)}
}

// OnChange registers the change callback. Not safe to call concurrently
// with store operations; wire it during setup.
func (m *Memory) OnChange(fn ChangeFunc) {
	m.onChange = fn
}

// Get implements Store.
func (m *Memory) Get(ctx context.Context, name, version string) (*dsl.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.docs[name]
	if len(versions) == 0 {
		return nil, fmt.Errorf("workflow %s: %w", name, ErrNotFound)
	}
	if version == "" {
		keys := make([]string, 0, len(versions))
		for v := range versions {
			keys = append(keys, v)
		}
		version = latestVersion(keys)
	}
	entry, ok := versions[version]
	if !ok {
		return nil, fmt.Errorf("workflow %s/%s: %w", name, version, ErrNotFound)
	}
	return entry.workflow, nil
}

// Put implements Store.
func (m *Memory) Put(ctx context.Context, doc []byte) (*dsl.Workflow, error) {
	wf, err := dsl.Parse(doc)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.store(wf, doc)
	m.mu.Unlock()
	m.notify(wf.Document.Name, wf.Document.Version)
	return wf, nil
}

// store records a parsed document. Callers hold the lock.
func (m *Memory) store(wf *dsl.Workflow, doc []byte) {
	name := wf.Document.Name
	if m.docs[name] == nil {
		m.docs[name] = make(map[string]*stored)
	}
	src := make([]byte, len(doc))
	copy(src, doc)
	m.docs[name][wf.Document.Version] = &stored{source: src, workflow: wf}
}

// Delete implements Store.
func (m *Memory) Delete(ctx context.Context, name, version string) error {
	m.mu.Lock()
	versions := m.docs[name]
	if len(versions) == 0 {
		m.mu.Unlock()
		return fmt.Errorf("workflow %s: %w", name, ErrNotFound)
	}
	var removed []string
	if version == "" {
		for v := range versions {
			removed = append(removed, v)
		}
		delete(m.docs, name)
	} else {
		if _, ok := versions[version]; !ok {
			m.mu.Unlock()
			return fmt.Errorf("workflow %s/%s: %w", name, version, ErrNotFound)
		}
		delete(versions, version)
		if len(versions) == 0 {
			delete(m.docs, name)
		}
		removed = append(removed, version)
	}
	m.mu.Unlock()
	for _, v := range removed {
		m.notify(name, v)
	}
	return nil
}

// List implements Store.
func (m *Memory) List(ctx context.Context) ([]Ref, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	refs := make([]Ref, 0, len(m.docs))
	for name, versions := range m.docs {
		for version := range versions {
			refs = append(refs, Ref{Name: name, Version: version})
		}
	}
	sortRefs(refs)
	return refs, nil
}

// Source returns the stored raw document.
func (m *Memory) Source(name, version string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.docs[name]
	if version == "" {
		keys := make([]string, 0, len(versions))
		for v := range versions {
			keys = append(keys, v)
		}
		version = latestVersion(keys)
	}
	entry, ok := versions[version]
	if !ok {
		return nil, false
	}
	return entry.source, true
}

func (m *Memory) notify(name, version string) {
	if m.onChange != nil {
		m.onChange(name, version)
	}
}

func sortRefs(refs []Ref) {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Name != refs[j].Name {
			return refs[i].Name < refs[j].Name
		}
		return compareVersions(refs[i].Version, refs[j].Version) < 0
	})
}
