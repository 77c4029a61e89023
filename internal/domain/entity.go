package domain

// EntityType classifies a workload registered on the platform.
type EntityType string

// Known entity types. Only microservices and test suites are reconciled.
const (
	EntityTypeMicroservice EntityType = "Microservice"
	EntityTypeTestSuite    EntityType = "TestSuite"
	EntityTypeRepository   EntityType = "Repository"
	EntityTypePrototype    EntityType = "Prototype"
)

// Entity is a named workload tracked by the platform.
type Entity struct {
	Name string     `json:"name"`
	Type EntityType `json:"type"`
}
