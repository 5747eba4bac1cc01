// Package entity declares the narrow interfaces an agent turn uses to
// detect named entities referenced in its composed prompt context and
// to render stored entity fields back into that context. Concrete
// storage (a database-backed entity card store) lives outside this
// module; only the contract an agent turn depends on lives here.
package entity

// Detector finds entities referenced in a block of serialized prompt
// context, one pass per turn regardless of how many entity_* fields
// were requested.
type Detector interface {
	DetectEntitiesInText(text string) ([]string, error)
}

// Store resolves entity records and renders the requested fields for
// each detected entity into one block, grouped per entity so a turn
// requesting several entity fields still gets a single readable
// context value instead of one fragment per field.
type Store interface {
	FormatMultiField(entityNames []string, fieldNames []string) (string, error)
}
