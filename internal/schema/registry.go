// Package schema validates client payloads against static per-entity-type
// CUE definitions. Each definition file exposes #Create and #Update.
package schema

import (
	"embed"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/example/offline-sync/internal/syncerr"
	"github.com/example/offline-sync/internal/types"
)

//go:embed defs/*.cue
var builtin embed.FS

// Source returns the bundled CUE definition for an entity type.
func Source(entityType types.EntityType) (string, bool) {
	data, err := builtin.ReadFile(path.Join("defs", string(entityType)+".cue"))
	if err != nil {
		return "", false
	}
	return string(data), true
}

type compiled struct {
	create cue.Value
	update cue.Value
}

// Registry holds compiled schemas. A cue.Context is not safe for concurrent
// use, so every compile and unify runs under mu.
type Registry struct {
	mu      sync.Mutex
	ctx     *cue.Context
	schemas map[types.EntityType]compiled
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		ctx:     cuecontext.New(),
		schemas: make(map[types.EntityType]compiled),
	}
}

// Register compiles src and binds it to entityType.
func (r *Registry) Register(entityType types.EntityType, src string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v := r.ctx.CompileString(src, cue.Filename(string(entityType)+".cue"))
	if err := v.Err(); err != nil {
		return fmt.Errorf("compile schema %s: %w", entityType, err)
	}
	create := v.LookupPath(cue.ParsePath("#Create"))
	if !create.Exists() {
		return fmt.Errorf("schema %s: missing #Create definition", entityType)
	}
	update := v.LookupPath(cue.ParsePath("#Update"))
	if !update.Exists() {
		return fmt.Errorf("schema %s: missing #Update definition", entityType)
	}
	r.schemas[entityType] = compiled{create: create, update: update}
	return nil
}

// Known reports whether entityType has a registered schema.
func (r *Registry) Known(entityType types.EntityType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.schemas[entityType]
	return ok
}

// Types lists the registered entity types in lexical order.
func (r *Registry) Types() []types.EntityType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.EntityType, 0, len(r.schemas))
	for t := range r.schemas {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate checks payload for the given action. Delete payloads must be empty.
// All failures are returned as validation errors carrying every violation.
func (r *Registry) Validate(entityType types.EntityType, action types.Action, payload json.RawMessage) error {
	if action == types.ActionDelete {
		fields, err := types.DecodeFields(payload)
		if err != nil {
			return syncerr.Validation("payload: %v", err)
		}
		if len(fields) > 0 {
			return syncerr.Validation("payload: delete must not carry fields")
		}
		return nil
	}
	if _, err := types.DecodeFields(payload); err != nil {
		return syncerr.Validation("payload: %v", err)
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.schemas[entityType]
	if !ok {
		return syncerr.Validation("unknown entity type %q", entityType)
	}
	def := s.update
	if action == types.ActionCreate {
		def = s.create
	}

	data := r.ctx.CompileBytes(payload, cue.Filename("payload.json"))
	if err := data.Err(); err != nil {
		return syncerr.Validation("payload: %v", err)
	}
	if err := def.Unify(data).Validate(cue.Concrete(true)); err != nil {
		return syncerr.Validation("payload does not match %s %s schema: %s", entityType, action, details(err))
	}
	return nil
}

func details(err error) string {
	list := cueerrors.Errors(err)
	msgs := make([]string, 0, len(list))
	for _, e := range list {
		format, args := e.Msg()
		msg := fmt.Sprintf(format, args...)
		if p := e.Path(); len(p) > 0 {
			msg = strings.Join(p, ".") + ": " + msg
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return err.Error()
	}
	return strings.Join(msgs, "; ")
}
