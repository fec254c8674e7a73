package identity

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
)

// UnknownName is the person name emitted for unresolved subjects.
const UnknownName = "Unknown"

// DefaultThreshold is the maximum embedding distance accepted as a match.
const DefaultThreshold = 0.45

var ErrInvalidRole = errors.New("invalid role")

// Role is the enrolled role of a person
type Role string

const (
	RoleEmployee Role = "Employee"
	RoleClient   Role = "Client"
	RoleSupplier Role = "Supplier"
	RoleGuest    Role = "Guest"
	RoleUnknown  Role = "Unknown"
)

// ParseRole accepts the English role names and the Spanish names used by
// older enrollment databases.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "employee", "empleado":
		return RoleEmployee, nil
	case "client", "cliente":
		return RoleClient, nil
	case "supplier", "proveedor":
		return RoleSupplier, nil
	case "guest", "invitado":
		return RoleGuest, nil
	case "unknown", "desconocido", "":
		return RoleUnknown, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

// Outcome describes how a resolution was reached
type Outcome string

const (
	OutcomeMatched    Outcome = "matched"
	OutcomeUnknown    Outcome = "unknown"
	OutcomeNoFace     Outcome = "no_face"
	OutcomeBound      Outcome = "bound"
	OutcomeEmbedError Outcome = "embed_error"
)

// Embedding is a face embedding vector
type Embedding []float32

// Record is one enrolled person as loaded into a snapshot
type Record struct {
	Name      string
	Role      Role
	Embedding Embedding
	ImagePath string
}

// Result is the outcome of resolving one embedding
type Result struct {
	Name     string
	Role     Role
	Distance float64
	Outcome  Outcome
	Version  uint64
}

// Known reports whether the result names an enrolled person.
func (r Result) Known() bool {
	return r.Name != "" && r.Name != UnknownName
}

// Unknown returns the Unknown sentinel result for the given outcome.
func Unknown(outcome Outcome) Result {
	return Result{Name: UnknownName, Role: RoleUnknown, Distance: -1, Outcome: outcome}
}

// Embedder extracts zero or one face embedding from an image region.
// ok is false when no face could be found.
type Embedder interface {
	Embed(ctx context.Context, img image.Image) (emb Embedding, ok bool, err error)
}

// PersonSource lists enrolled persons in load order.
type PersonSource interface {
	ListPersons(ctx context.Context) ([]Record, error)
}
