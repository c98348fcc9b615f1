package model

// Entity type recorded in status change logs.
const EntityTypeCircuitBreaker = "circuit_breaker"

// Actor type constants for status change logs.
const (
	ActorTypeSystem   = "system"
	ActorTypeOperator = "operator"
)

// Breaker status values recorded in status change logs.
const (
	BreakerStatusClosed  = "closed"
	BreakerStatusOpen    = "open"
	BreakerStatusOpenTTL = "open_ttl"
)

// StatusChange is the audit record emitted on every breaker transition.
// Writes are fire-and-forget: a failed write never fails the transition.
type StatusChange struct {
	EntityType string
	EntityID   string
	OldStatus  string
	NewStatus  string
	ActorType  string
	ActorID    string
	Reason     string
	Metadata   map[string]interface{}
}
