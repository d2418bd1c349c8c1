package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/invopop/jsonschema"

	"tgtg_items_updater/internal/domain"
)

const (
	TriggerName      = "Trigger"
	FetchedItemsName = "FetchedItems"

	HeaderSchemaName    = "schema-name"
	HeaderSchemaVersion = "schema-version"
	HeaderRetention     = "retention-seconds"
	HeaderMessageID     = "message-id"
)

// Schema describes one version of a message type.
type Schema struct {
	Name      string
	Version   int
	Retention time.Duration
	// Prototype is a zero value of the payload type; it drives JSON Schema
	// reflection and required-field checks.
	Prototype any
}

func (s Schema) String() string {
	return s.Name + ":" + strconv.Itoa(s.Version)
}

// Envelope wraps every payload put on a topic.
type Envelope struct {
	ID               string          `json:"id"`
	SchemaName       string          `json:"schema_name"`
	SchemaVersion    int             `json:"schema_version"`
	RetentionSeconds int64           `json:"retention_seconds"`
	ProducedAt       time.Time       `json:"produced_at"`
	Payload          json.RawMessage `json:"payload"`
}

// Headers mirrors the envelope metadata for transports that carry headers.
func (e *Envelope) Headers() map[string][]byte {
	return map[string][]byte{
		HeaderMessageID:     []byte(e.ID),
		HeaderSchemaName:    []byte(e.SchemaName),
		HeaderSchemaVersion: []byte(strconv.Itoa(e.SchemaVersion)),
		HeaderRetention:     []byte(strconv.FormatInt(e.RetentionSeconds, 10)),
	}
}

type key struct {
	name    string
	version int
}

type Registry struct {
	mu        sync.RWMutex
	schemas   map[key]registered
	now       func() time.Time
	newID     func() string
	reflector *jsonschema.Reflector
}

type registered struct {
	Schema
	document *jsonschema.Schema
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		schemas:   make(map[key]registered),
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },
		reflector: &jsonschema.Reflector{
			ExpandedStruct: true,
			DoNotReference: true,
			Mapper:         mapType,
		},
	}
}

// Default returns a registry holding the schemas the bridge speaks.
func Default() *Registry {
	r := NewRegistry()
	r.MustRegister(Schema{
		Name:      TriggerName,
		Version:   1,
		Retention: 24 * time.Hour,
		Prototype: domain.TriggerMessage{},
	})
	r.MustRegister(Schema{
		Name:      FetchedItemsName,
		Version:   1,
		Retention: 7 * 24 * time.Hour,
		Prototype: domain.FetchedItems{},
	})
	return r
}

func (r *Registry) Register(s Schema) error {
	if s.Name == "" || s.Version < 1 {
		return fmt.Errorf("register schema %q: name and positive version required", s.String())
	}
	if s.Prototype == nil {
		return fmt.Errorf("register schema %s: prototype required", s)
	}

	doc := r.reflector.Reflect(s.Prototype)
	doc.Title = s.Name
	doc.ID = jsonschema.ID(fmt.Sprintf("urn:tgtg-items-updater:%s:%d", s.Name, s.Version))
	if doc.Extras == nil {
		doc.Extras = map[string]any{}
	}
	doc.Extras["x-schema-version"] = s.Version
	doc.Extras["x-retention-seconds"] = int64(s.Retention / time.Second)

	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{s.Name, s.Version}
	if _, exists := r.schemas[k]; exists {
		return fmt.Errorf("register schema %s: already registered", s)
	}
	r.schemas[k] = registered{Schema: s, document: doc}
	return nil
}

func (r *Registry) MustRegister(s Schema) {
	if err := r.Register(s); err != nil {
		panic(err)
	}
}

// Lookup returns a registered schema.
func (r *Registry) Lookup(name string, version int) (Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[key{name, version}]
	return s.Schema, ok
}

// Schemas lists every registered schema ordered by name and version.
func (r *Registry) Schemas() []Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Schema, 0, len(r.schemas))
	for _, s := range r.schemas {
		out = append(out, s.Schema)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out
}

// JSONSchema returns the JSON Schema document of a registered schema.
func (r *Registry) JSONSchema(name string, version int) (*jsonschema.Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[key{name, version}]
	if !ok {
		return nil, fmt.Errorf("schema %s:%d not registered", name, version)
	}
	return s.document, nil
}

// Encode marshals payload into an envelope tagged with the given schema.
func (r *Registry) Encode(name string, version int, payload any) (*Envelope, []byte, error) {
	s, ok := r.Lookup(name, version)
	if !ok {
		return nil, nil, fmt.Errorf("encode %s:%d: schema not registered", name, version)
	}
	if reflect.TypeOf(payload) != reflect.TypeOf(s.Prototype) {
		return nil, nil, fmt.Errorf("encode %s: payload type %T does not match %T", s, payload, s.Prototype)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal payload: %w", err)
	}

	env := &Envelope{
		ID:               r.newID(),
		SchemaName:       s.Name,
		SchemaVersion:    s.Version,
		RetentionSeconds: int64(s.Retention / time.Second),
		ProducedAt:       r.now().UTC(),
		Payload:          body,
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return env, data, nil
}

// Decode parses an envelope, checks it carries the expected schema and
// unmarshals the payload into dst. Every failure is a SchemaError.
func (r *Registry) Decode(data []byte, name string, version int, dst any) (*Envelope, error) {
	const op = "decode message"

	s, ok := r.Lookup(name, version)
	if !ok {
		return nil, domain.NewError(domain.KindSchema, op, fmt.Errorf("schema %s:%d not registered", name, version))
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, domain.NewError(domain.KindSchema, op, fmt.Errorf("envelope: %w", err))
	}
	if env.SchemaName != s.Name || env.SchemaVersion != s.Version {
		return &env, domain.NewError(domain.KindSchema, op,
			fmt.Errorf("got %s:%d, want %s", env.SchemaName, env.SchemaVersion, s))
	}
	if len(bytes.TrimSpace(env.Payload)) == 0 {
		return &env, domain.NewError(domain.KindSchema, op, errors.New("empty payload"))
	}

	doc, err := r.JSONSchema(s.Name, s.Version)
	if err != nil {
		return &env, domain.NewError(domain.KindSchema, op, err)
	}
	if err := checkRequired(env.Payload, doc); err != nil {
		return &env, domain.NewError(domain.KindSchema, op, err)
	}

	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return &env, domain.NewError(domain.KindSchema, op, fmt.Errorf("payload: %w", err))
	}
	return &env, nil
}

// DecodeTrigger decodes a Trigger v1 message.
func (r *Registry) DecodeTrigger(data []byte) (domain.TriggerMessage, *Envelope, error) {
	var t domain.TriggerMessage
	env, err := r.Decode(data, TriggerName, 1, &t)
	return t, env, err
}

// EncodeFetchedItems encodes a FetchedItems v1 message.
func (r *Registry) EncodeFetchedItems(items domain.FetchedItems) (*Envelope, []byte, error) {
	return r.Encode(FetchedItemsName, 1, items)
}

// EncodeTrigger encodes a Trigger v1 message. Upstream producers and tests use it.
func (r *Registry) EncodeTrigger(t domain.TriggerMessage) (*Envelope, []byte, error) {
	return r.Encode(TriggerName, 1, t)
}

func checkRequired(payload json.RawMessage, doc *jsonschema.Schema) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return fmt.Errorf("payload is not an object: %w", err)
	}

	var missing []string
	for _, name := range doc.Required {
		v, ok := fields[name]
		if !ok || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields %v", missing)
	}
	return nil
}

var (
	timestampType = reflect.TypeOf(domain.Timestamp{})
	rawType       = reflect.TypeOf(json.RawMessage{})
)

func mapType(t reflect.Type) *jsonschema.Schema {
	switch t {
	case timestampType:
		return &jsonschema.Schema{Type: "number", Description: "seconds since the Unix epoch"}
	case rawType:
		return &jsonschema.Schema{Type: "object"}
	}
	return nil
}
