// Package model defines the external solver surface the stepper drives, and
// ships a built-in flow-network simulator that routes water with reservoir
// carry-over and mass balance. The built-in model stands in where no external
// solver is wired up.
package model

import (
	"context"

	"github.com/vk/watergridgo/internal/nwk"
	"github.com/vk/watergridgo/internal/rakey"
)

// StepResult is the outcome of one solve call.
type StepResult struct {
	Status    string
	Objective float64
}

// StatusOptimal marks a solve that satisfied all constraints.
const StatusOptimal = "optimal"

// OutputKey addresses one solver output by resource and human attribute
// name. The stepper maps names back to attribute ids when storing.
type OutputKey struct {
	ResourceType rakey.ResourceType
	ResourceID   int
	Attribute    string
}

// Model is the external solver contract. Construct is called exactly once,
// UpdateParam once per boundary-value refresh, and Step exactly once per time
// grid index, in increasing order.
type Model interface {
	Construct(ctx context.Context, network *nwk.Network, template *nwk.Template, constants map[string]float64) error
	UpdateParam(resourceType rakey.ResourceType, resourceID int, typeName, attrName string, value float64) error
	Step(ctx context.Context) (StepResult, error)
	CollectOutputs() map[OutputKey]float64
}
