package document

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrNotFound means no such document name or version is published.
	ErrNotFound = errors.New("document not found")
	// ErrCycle means publishing would create a cyclic composition graph.
	ErrCycle = errors.New("cyclic document composition")
	// ErrVersionExists rejects republishing an existing version: published
	// bytes never change, a new version is a new document.
	ErrVersionExists = errors.New("version already published")
)

// Registry holds published document versions and the explicit
// document-dependency graph used for composition. Documents are immutable
// values; hot reload is publishing a new version and rebinding agents,
// never mutating in place.
type Registry struct {
	mu sync.RWMutex

	// docs[name][version]
	docs   map[string]map[int]*Document
	latest map[string]int
	// refs counts agents bound to each version, driving GC.
	refs map[Ref]int
	// edges[extension] = base, the composition dependency graph. Cycle
	// detection walks these ids, never live document pointers.
	edges map[string]string

	log *zap.Logger
}

// NewRegistry creates an empty document registry.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		docs:   make(map[string]map[int]*Document),
		latest: make(map[string]int),
		refs:   make(map[Ref]int),
		edges:  make(map[string]string),
		log:    log,
	}
}

// Publish validates and registers a sealed document version. For
// extensions the composition graph is checked for cycles before the
// document is accepted.
func (r *Registry) Publish(d *Document) error {
	if !d.Sealed() {
		return errors.New("publish requires a sealed document")
	}
	if err := d.Validate(); err != nil {
		return fmt.Errorf("publish %s: %w", d.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if versions, ok := r.docs[d.Name]; ok {
		if _, dup := versions[d.Version]; dup {
			return fmt.Errorf("%w: %s", ErrVersionExists, d.Ref())
		}
	}
	if d.IsExtension() {
		if err := r.checkAcyclicLocked(d.Name, d.BaseName); err != nil {
			return err
		}
	}

	if r.docs[d.Name] == nil {
		r.docs[d.Name] = make(map[int]*Document)
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	r.docs[d.Name][d.Version] = d
	if d.Version > r.latest[d.Name] {
		r.latest[d.Name] = d.Version
	}
	if d.IsExtension() {
		r.edges[d.Name] = d.BaseName
	}

	r.log.Info("document published",
		zap.String("document", d.Ref().String()),
		zap.String("id", d.ID.String()),
		zap.Bool("extension", d.IsExtension()))
	return nil
}

// checkAcyclicLocked runs DFS coloring over the name-level dependency
// graph as if edge ext→base existed, rejecting the publish on a cycle.
func (r *Registry) checkAcyclicLocked(ext, base string) error {
	// Colors: 0 white, 1 gray, 2 black. The graph has out-degree <= 1
	// (an extension names one base), so DFS is a simple chain walk, but
	// coloring keeps it robust if that ever changes.
	next := func(name string) (string, bool) {
		if name == ext {
			return base, true
		}
		b, ok := r.edges[name]
		return b, ok
	}
	color := map[string]int{}
	var visit func(string) error
	visit = func(name string) error {
		switch color[name] {
		case 1:
			return fmt.Errorf("%w: via %q", ErrCycle, name)
		case 2:
			return nil
		}
		color[name] = 1
		if b, ok := next(name); ok {
			if err := visit(b); err != nil {
				return err
			}
		}
		color[name] = 2
		return nil
	}
	return visit(ext)
}

// Get returns a specific published version.
func (r *Registry) Get(name string, version int) (*Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.docs[name][version]
	if !ok {
		return nil, fmt.Errorf("%w: %s@%d", ErrNotFound, name, version)
	}
	return d, nil
}

// Latest returns the newest published version of a document.
func (r *Registry) Latest(name string) (*Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.latest[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return r.docs[name][v], nil
}

// Load composes a base version with extension versions into an
// executable image. Expression compilation happens here, once per load.
func (r *Registry) Load(base Ref, extensions []Ref) (*Image, error) {
	baseDoc, err := r.Get(base.Name, base.Version)
	if err != nil {
		return nil, err
	}
	exts := make([]*Document, 0, len(extensions))
	for _, ref := range extensions {
		d, err := r.Get(ref.Name, ref.Version)
		if err != nil {
			return nil, err
		}
		exts = append(exts, d)
	}
	return NewImage(baseDoc, exts)
}

// Acquire records an agent binding to a version.
func (r *Registry) Acquire(ref Ref) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs[ref]++
}

// Release records an agent unbinding from a version.
func (r *Registry) Release(ref Ref) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refs[ref] > 0 {
		r.refs[ref]--
	}
	if r.refs[ref] == 0 {
		delete(r.refs, ref)
	}
}

// GC drops published versions that are not the latest of their name and
// have no bound agents. Returns the collected refs, sorted for
// deterministic logging.
func (r *Registry) GC() []Ref {
	r.mu.Lock()
	defer r.mu.Unlock()

	var collected []Ref
	for name, versions := range r.docs {
		for v := range versions {
			ref := Ref{Name: name, Version: v}
			if v == r.latest[name] || r.refs[ref] > 0 {
				continue
			}
			delete(versions, v)
			collected = append(collected, ref)
		}
	}
	sort.Slice(collected, func(i, j int) bool {
		if collected[i].Name != collected[j].Name {
			return collected[i].Name < collected[j].Name
		}
		return collected[i].Version < collected[j].Version
	})
	for _, ref := range collected {
		r.log.Info("document version collected", zap.String("document", ref.String()))
	}
	return collected
}

// Names returns the sorted published document names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.docs))
	for name := range r.docs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
