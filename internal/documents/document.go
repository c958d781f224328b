// Package documents implements the document state container that turns ordered update
// fragments into materialized node attributes.
//
// A fragment is an RFC 7386 JSON merge patch. Applying the same ordered fragment list to an
// empty document always yields the same attributes.
package documents

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

var (
	// ErrInvalidFragment indicates that an update fragment is empty or not a JSON object.
	ErrInvalidFragment = errors.New("documents: invalid fragment")
	// ErrInvalidState indicates that the document state cannot be decoded.
	ErrInvalidState = errors.New("documents: invalid state")
)

var emptyObject = []byte("{}")

// Schema validates a materialized attribute object.
type Schema interface {
	Validate(attributes map[string]any) error
}

// Document holds the merged state of a node's fragments.
type Document struct {
	state []byte
}

// New returns an empty document.
func New() *Document {
	return &Document{state: append([]byte(nil), emptyObject...)}
}

// Materialize applies the fragments in order to a new empty document.
func Materialize(fragments ...[]byte) (*Document, error) {
	document := New()
	if err := document.ApplyUpdates(fragments...); err != nil {
		return nil, err
	}
	return document, nil
}

// ApplyUpdate merges one fragment into the document.
func (d *Document) ApplyUpdate(fragment []byte) error {
	if err := validateFragment(fragment); err != nil {
		return err
	}
	merged, err := jsonpatch.MergePatch(d.state, fragment)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFragment, err)
	}
	d.state = merged
	return nil
}

// ApplyUpdates merges fragments in order.
func (d *Document) ApplyUpdates(fragments ...[]byte) error {
	for index, fragment := range fragments {
		if err := d.ApplyUpdate(fragment); err != nil {
			return fmt.Errorf("fragment %d: %w", index, err)
		}
	}
	return nil
}

// Attributes decodes the current state into a fresh attribute map.
func (d *Document) Attributes() (map[string]any, error) {
	attributes := map[string]any{}
	if err := json.Unmarshal(d.state, &attributes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return attributes, nil
}

// Update validates the desired attributes, applies them, and returns the fragment describing
// the change. A nil fragment means the desired attributes equal the current state.
func (d *Document) Update(schema Schema, desired map[string]any) ([]byte, error) {
	if schema != nil {
		if err := schema.Validate(desired); err != nil {
			return nil, err
		}
	}
	target, err := json.Marshal(desired)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	fragment, err := jsonpatch.CreateMergePatch(d.state, target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if bytes.Equal(bytes.TrimSpace(fragment), emptyObject) {
		return nil, nil
	}
	if err := d.ApplyUpdate(fragment); err != nil {
		return nil, err
	}
	return fragment, nil
}

// Fragment encodes a full attribute object as the fragment that creates it from an empty document.
func Fragment(schema Schema, attributes map[string]any) ([]byte, error) {
	fragment, err := New().Update(schema, attributes)
	if err != nil {
		return nil, err
	}
	if fragment == nil {
		return append([]byte(nil), emptyObject...), nil
	}
	return fragment, nil
}

func validateFragment(fragment []byte) error {
	trimmed := bytes.TrimSpace(fragment)
	if len(trimmed) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidFragment)
	}
	if trimmed[0] != '{' || !json.Valid(trimmed) {
		return fmt.Errorf("%w: not a json object", ErrInvalidFragment)
	}
	return nil
}
