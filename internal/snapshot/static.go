package snapshot

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"idremap/internal/identity"
)

//go:embed context.schema.json
var contextSchema []byte

const contextSchemaURL = "https://idremap.local/schema/process-context-v1.schema.json"

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.AssertFormat = true
		if err := compiler.AddResource(contextSchemaURL, bytes.NewReader(contextSchema)); err != nil {
			compileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiledSchema, compileErr = compiler.Compile(contextSchemaURL)
	})
	return compiledSchema, compileErr
}

// StaticContext is a ProcessContext described in memory or by a JSON file.
type StaticContext struct {
	Package      string                   `json:"package"`
	Certs        [][]byte                 `json:"signatures,omitempty"`
	FirstInstall time.Time                `json:"first_install_time"`
	LastUpdate   time.Time                `json:"last_update_time"`
	Attributes   map[identity.Kind]string `json:"attributes,omitempty"`
	// Denied kinds fail with a permission error.
	Denied []identity.Kind `json:"denied,omitempty"`
}

// LoadStaticContext reads and validates a JSON context file.
func LoadStaticContext(path string) (*StaticContext, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read context: %w", err)
	}
	return ParseStaticContext(data)
}

// ParseStaticContext validates data against the context schema and decodes
// it. Attribute and denied keys may be kind names or aliases.
func ParseStaticContext(data []byte) (*StaticContext, error) {
	sch, err := schema()
	if err != nil {
		return nil, err
	}

	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, fmt.Errorf("parse context: %w", err)
	}
	if err := sch.Validate(instance); err != nil {
		return nil, fmt.Errorf("invalid context: %w", err)
	}

	var raw struct {
		Package      string            `json:"package"`
		Signatures   [][]byte          `json:"signatures"`
		FirstInstall *time.Time        `json:"first_install_time"`
		LastUpdate   *time.Time        `json:"last_update_time"`
		Attributes   map[string]string `json:"attributes"`
		Denied       []string          `json:"denied"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}

	sc := &StaticContext{
		Package:    raw.Package,
		Certs:      raw.Signatures,
		Attributes: make(map[identity.Kind]string, len(raw.Attributes)),
	}
	if raw.FirstInstall != nil {
		sc.FirstInstall = *raw.FirstInstall
	}
	if raw.LastUpdate != nil {
		sc.LastUpdate = *raw.LastUpdate
	}
	for name, v := range raw.Attributes {
		k, ok := identity.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("invalid context: attribute %q: %w", name, identity.ErrUnknownKind)
		}
		sc.Attributes[k] = v
	}
	sc.Denied, err = identity.ParseKinds(raw.Denied)
	if err != nil {
		return nil, fmt.Errorf("invalid context: denied: %w", err)
	}
	return sc, nil
}

func (c *StaticContext) PackageName() (string, error) {
	if c.Package == "" {
		return "", identity.ErrUnavailable
	}
	return c.Package, nil
}

func (c *StaticContext) Signatures() ([][]byte, error) {
	if len(c.Certs) == 0 {
		return nil, identity.ErrUnavailable
	}
	return c.Certs, nil
}

func (c *StaticContext) InstallTimes() (time.Time, time.Time, error) {
	if c.FirstInstall.IsZero() {
		return time.Time{}, time.Time{}, identity.ErrUnavailable
	}
	last := c.LastUpdate
	if last.IsZero() {
		last = c.FirstInstall
	}
	return c.FirstInstall, last, nil
}

func (c *StaticContext) Attribute(_ context.Context, k identity.Kind) (string, error) {
	for _, d := range c.Denied {
		if d == k {
			return "", fmt.Errorf("%s: %w", k, identity.ErrPermissionDenied)
		}
	}
	v, ok := c.Attributes[k]
	if !ok {
		return "", fmt.Errorf("%s: %w", k, identity.ErrUnavailable)
	}
	return v, nil
}
