package store

import (
	"fmt"
)

// Resource type for Redis keys
type Resource string

const (
	ResourceOrder  Resource = "orders"
	ResourceGroup  Resource = "groups"
	ResourceSlot   Resource = "slots"
	ResourceWeight Resource = "weights"
	ResourcePlan   Resource = "plans"
)

// FactoryKey constructs a fully qualified Redis key for a factory resource.
// Format: planforge:factories:{factoryID}:{resource}:{id}
func FactoryKey(factoryID string, resource Resource, id string) string {
	return fmt.Sprintf("planforge:factories:%s:%s:%s", factoryID, resource, id)
}

// FactoryPrefix constructs a search pattern prefix for a factory resource.
// Format: planforge:factories:{factoryID}:{resource}:
func FactoryPrefix(factoryID string, resource Resource) string {
	return fmt.Sprintf("planforge:factories:%s:%s:", factoryID, resource)
}
