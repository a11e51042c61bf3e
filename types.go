package scope

import (
	"context"
	"encoding/json"
	"errors"
)

// ID is the unique identifier of a resource in a Plan.
// Kind identifies the resource type (for example, redis or postgres).
// Name identifies one resource within the same kind.
type ID struct {
	Kind string `json:"kind" yaml:"kind"`
	Name string `json:"name" yaml:"name"`
}

func (id ID) String() string {
	return id.Kind + "/" + id.Name
}

func (id ID) validate() error {
	switch {
	case id.Kind == "" && id.Name == "":
		return errors.New("kind and name are empty")
	case id.Kind == "":
		return errors.New("kind is empty")
	case id.Name == "":
		return errors.New("name is empty")
	}
	return nil
}

// NodeSpec declares one resource of a Plan.
// Any config layer that can map into this struct can feed a Plan.
type NodeSpec struct {
	Kind    string          `json:"kind" yaml:"kind"`
	Name    string          `json:"name" yaml:"name"`
	Driver  string          `json:"driver" yaml:"driver"`
	Options json.RawMessage `json:"options,omitempty" yaml:"options,omitempty"`
}

func (s NodeSpec) ID() ID {
	return ID{Kind: s.Kind, Name: s.Name}
}

// Resolver acquires resources inside a Plan run.
type Resolver interface {
	Resolve(ctx context.Context, id ID) (any, error)
}

// Definition describes the scoped lifecycle of one (kind, driver).
//
// Decode converts raw options into Opt. Defaults to JSON decoding.
// Deps declares the resources this one nests inside.
// Acquire obtains the handle and must be provided.
// Release is optional. If omitted, io.Closer is used when possible.
// Failure is the optional failure branch, see Resource.
type Definition[Opt any, Out any] struct {
	Decode  func(raw json.RawMessage) (Opt, error)
	Deps    func(opt Opt) ([]ID, error)
	Acquire func(ctx context.Context, r Resolver, opt Opt) (Out, error)
	Release func(ctx context.Context, out Out) error
	Failure func(ctx context.Context, out Out, err error) error
}
