package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const schemaSuffix = ".schema.json"

var versionSuffix = regexp.MustCompile(`^(.+)\.v([0-9]+)$`)

// SplitVersion splits "map.v1" into ("map", 1). ok is false for unversioned
// types such as "control.workflow.run".
func SplitVersion(typ string) (family string, version int, ok bool) {
	m := versionSuffix.FindStringSubmatch(typ)
	if m == nil {
		return typ, 0, false
	}
	var v int
	if _, err := fmt.Sscanf(m[2], "%d", &v); err != nil {
		return typ, 0, false
	}
	return m[1], v, true
}

// IsControl reports whether typ belongs to the unversioned control family.
func IsControl(typ string) bool { return strings.HasPrefix(typ, "control.") }

// Registry maps message types to compiled payload schemas.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewRegistry returns a registry preloaded with every built-in message type.
func NewRegistry() (*Registry, error) {
	r := &Registry{schemas: map[string]*jsonschema.Schema{}}
	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, schemaSuffix) {
			continue
		}
		raw, err := schemaFS.ReadFile(path.Join("schemas", name))
		if err != nil {
			return nil, err
		}
		if err := r.Register(strings.TrimSuffix(name, schemaSuffix), string(raw)); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// MustRegistry panics if the embedded schemas fail to compile.
func MustRegistry() *Registry {
	r, err := NewRegistry()
	if err != nil {
		panic(err)
	}
	return r
}

// Register compiles schema and binds it to typ, replacing any previous binding.
// Non-control types must carry a version suffix.
func (r *Registry) Register(typ, schema string) error {
	typ = strings.TrimSpace(typ)
	if typ == "" {
		return fmt.Errorf("register schema: empty type")
	}
	if _, _, ok := SplitVersion(typ); !ok && !IsControl(typ) {
		return fmt.Errorf("register schema %s: type must end in .vN", typ)
	}
	s, err := jsonschema.CompileString("mem://schemas/"+typ+".json", schema)
	if err != nil {
		return fmt.Errorf("compile schema %s: %w", typ, err)
	}
	r.mu.Lock()
	r.schemas[typ] = s
	r.mu.Unlock()
	return nil
}

// Types lists the registered types in lexical order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Validate checks the envelope fields and the payload against the schema
// registered for its type. The returned error is always a *SchemaError.
func (r *Registry) Validate(env Envelope) error {
	if strings.TrimSpace(env.Type) == "" {
		return &SchemaError{Field: "type", Reason: "missing"}
	}
	if strings.TrimSpace(env.Source) == "" {
		return &SchemaError{Type: env.Type, Field: "source", Reason: "missing"}
	}
	if env.Timestamp.IsZero() {
		return &SchemaError{Type: env.Type, Field: "timestamp", Reason: "missing"}
	}
	if env.Status != StatusOK && env.Status != StatusError {
		return &SchemaError{Type: env.Type, Field: "status", Reason: fmt.Sprintf("must be %q or %q, got %q", StatusOK, StatusError, env.Status)}
	}

	r.mu.RLock()
	s, ok := r.schemas[env.Type]
	r.mu.RUnlock()
	if !ok {
		return r.unknownType(env.Type)
	}

	if len(bytes.TrimSpace(env.Payload)) == 0 {
		return &SchemaError{Type: env.Type, Field: "payload", Reason: "missing"}
	}
	dec := json.NewDecoder(bytes.NewReader(env.Payload))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return &SchemaError{Type: env.Type, Field: "payload", Reason: "malformed JSON: " + err.Error()}
	}
	if err := s.Validate(doc); err != nil {
		return schemaErrorFrom(env.Type, err)
	}
	return nil
}

func (r *Registry) unknownType(typ string) error {
	family, version, versioned := SplitVersion(typ)
	if !versioned {
		if IsControl(typ) {
			return &SchemaError{Type: typ, Field: "type", Reason: "unknown control message"}
		}
		return &SchemaError{Type: typ, Field: "type", Reason: "unversioned message type"}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var known []string
	for t := range r.schemas {
		if f, v, ok := SplitVersion(t); ok && f == family {
			known = append(known, fmt.Sprintf("v%d", v))
		}
	}
	if len(known) > 0 {
		sort.Strings(known)
		return &SchemaError{
			Type:   typ,
			Field:  "type",
			Reason: fmt.Sprintf("unsupported version v%d (known: %s)", version, strings.Join(known, ",")),
			Code:   ErrUnsupportedVersion,
		}
	}
	return &SchemaError{Type: typ, Field: "type", Reason: "unknown message type"}
}

func schemaErrorFrom(typ string, err error) *SchemaError {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return &SchemaError{Type: typ, Field: "payload", Reason: err.Error()}
	}
	// Report the deepest cause; it names the exact location.
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return &SchemaError{Type: typ, Field: "payload" + ve.InstanceLocation, Reason: ve.Message}
}
