package definition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/flowd-io/flowd/dsl"
)

// Bucket is the KV bucket holding workflow definitions.
const Bucket = "FLOWD_DEFINITIONS"

// kvHistory keeps a few revisions per definition for manual recovery.
const kvHistory = 5

// kvDoc is the stored envelope. The key is a sanitized form of the
// identity, so name and version travel in the value.
type kvDoc struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Source  []byte `json:"source"`
}

// KV stores definitions in a NATS JetStream key-value bucket, so every
// worker in a deployment shares one definition catalog.
type KV struct {
	bucket   jetstream.KeyValue
	onChange ChangeFunc
}

// NewKV returns a store over the definitions bucket, creating the bucket
// when it does not exist yet.
func NewKV(ctx context.Context, js jetstream.JetStream) (*KV, error) {
	bucket, err := js.KeyValue(ctx, Bucket)
	if err != nil {
		bucket, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      Bucket,
			Description: "flowd workflow definitions",
			History:     kvHistory,
		})
		if err != nil {
			return nil, fmt.Errorf("create definitions bucket: %w", err)
		}
	}
	return &KV{bucket: bucket}, nil
}

// OnChange registers the change callback. Wire during setup.
func (s *KV) OnChange(fn ChangeFunc) {
	s.onChange = fn
}

// Get implements Store.
func (s *KV) Get(ctx context.Context, name, version string) (*dsl.Workflow, error) {
	if version == "" {
		latest, err := s.latest(ctx, name)
		if err != nil {
			return nil, err
		}
		version = latest
	}
	entry, err := s.bucket.Get(ctx, kvKey(name, version))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, fmt.Errorf("workflow %s/%s: %w", name, version, ErrNotFound)
		}
		return nil, fmt.Errorf("get definition: %w", err)
	}
	var doc kvDoc
	if err := json.Unmarshal(entry.Value(), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return dsl.Parse(doc.Source)
}

// Put implements Store.
func (s *KV) Put(ctx context.Context, doc []byte) (*dsl.Workflow, error) {
	wf, err := dsl.Parse(doc)
	if err != nil {
		return nil, err
	}
	name, version := wf.Document.Name, wf.Document.Version
	data, err := json.Marshal(kvDoc{Name: name, Version: version, Source: doc})
	if err != nil {
		return nil, fmt.Errorf("marshal definition: %w", err)
	}
	if _, err := s.bucket.Put(ctx, kvKey(name, version), data); err != nil {
		return nil, fmt.Errorf("store definition: %w", err)
	}
	s.notify(name, version)
	return wf, nil
}

// Delete implements Store.
func (s *KV) Delete(ctx context.Context, name, version string) error {
	if version == "" {
		refs, err := s.refsOf(ctx, name)
		if err != nil {
			return err
		}
		if len(refs) == 0 {
			return fmt.Errorf("workflow %s: %w", name, ErrNotFound)
		}
		for _, ref := range refs {
			if err := s.bucket.Delete(ctx, kvKey(ref.Name, ref.Version)); err != nil {
				return fmt.Errorf("delete definition: %w", err)
			}
			s.notify(ref.Name, ref.Version)
		}
		return nil
	}
	if _, err := s.bucket.Get(ctx, kvKey(name, version)); err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return fmt.Errorf("workflow %s/%s: %w", name, version, ErrNotFound)
		}
		return fmt.Errorf("get definition: %w", err)
	}
	if err := s.bucket.Delete(ctx, kvKey(name, version)); err != nil {
		return fmt.Errorf("delete definition: %w", err)
	}
	s.notify(name, version)
	return nil
}

// List implements Store.
func (s *KV) List(ctx context.Context) ([]Ref, error) {
	refs, err := s.allRefs(ctx)
	if err != nil {
		return nil, err
	}
	sortRefs(refs)
	return refs, nil
}

func (s *KV) latest(ctx context.Context, name string) (string, error) {
	refs, err := s.refsOf(ctx, name)
	if err != nil {
		return "", err
	}
	if len(refs) == 0 {
		return "", fmt.Errorf("workflow %s: %w", name, ErrNotFound)
	}
	versions := make([]string, len(refs))
	for i, ref := range refs {
		versions[i] = ref.Version
	}
	return latestVersion(versions), nil
}

func (s *KV) refsOf(ctx context.Context, name string) ([]Ref, error) {
	all, err := s.allRefs(ctx)
	if err != nil {
		return nil, err
	}
	refs := all[:0]
	for _, ref := range all {
		if ref.Name == name {
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

// allRefs reads every stored envelope. Entries that fail to load are
// skipped rather than failing the whole listing.
func (s *KV) allRefs(ctx context.Context) ([]Ref, error) {
	keys, err := s.bucket.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list definition keys: %w", err)
	}
	refs := make([]Ref, 0, len(keys))
	for _, key := range keys {
		entry, err := s.bucket.Get(ctx, key)
		if err != nil {
			continue
		}
		var doc kvDoc
		if err := json.Unmarshal(entry.Value(), &doc); err != nil {
			continue
		}
		refs = append(refs, Ref{Name: doc.Name, Version: doc.Version})
	}
	return refs, nil
}

func (s *KV) notify(name, version string) {
	if s.onChange != nil {
		s.onChange(name, version)
	}
}

// kvKey builds a bucket key from a definition identity. KV keys allow a
// restricted character set, so anything else folds to '_'; collisions are
// disambiguated by the envelope's own name and version.
func kvKey(name, version string) string {
	return sanitizeKVToken(name) + "/" + sanitizeKVToken(version)
}

func sanitizeKVToken(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '=', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
