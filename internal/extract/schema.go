package extract

import "github.com/ashureev/coach-intake/internal/domain"

// OutputSchema is a provider-neutral description of the structured output.
// LLM adapters translate it into their own schema type.
type OutputSchema struct {
	Type        string                   `json:"type"`
	Description string                   `json:"description,omitempty"`
	Nullable    bool                     `json:"nullable,omitempty"`
	Enum        []string                 `json:"enum,omitempty"`
	Properties  map[string]*OutputSchema `json:"properties,omitempty"`
	Required    []string                 `json:"required,omitempty"`
	// Order keeps property order stable for providers that honour it.
	Order []string `json:"propertyOrdering,omitempty"`
}

// Schema types.
const (
	TypeObject  = "object"
	TypeString  = "string"
	TypeBoolean = "boolean"
)

// OutputSchemaFor builds the extraction output schema for a slot schema.
// Values are strings so every provider can honour the schema; a missing
// value is null.
func OutputSchemaFor(schema domain.SlotSchema) *OutputSchema {
	slotProps := make(map[string]*OutputSchema, len(schema.Slots))
	order := make([]string, 0, len(schema.Slots))
	for _, spec := range schema.Slots {
		slotProps[spec.Name] = &OutputSchema{
			Type:        TypeObject,
			Description: spec.Description,
			Nullable:    true,
			Properties: map[string]*OutputSchema{
				"value":      {Type: TypeString, Nullable: true},
				"confidence": {Type: TypeString, Enum: []string{"high", "medium", "low"}},
				"notes":      {Type: TypeString},
			},
			Required: []string{"value"},
			Order:    []string{"value", "confidence", "notes"},
		}
		order = append(order, spec.Name)
	}

	return &OutputSchema{
		Type: TypeObject,
		Properties: map[string]*OutputSchema{
			"slots":           {Type: TypeObject, Properties: slotProps, Order: order},
			"wants_to_finish": {Type: TypeBoolean},
			"changed_topic":   {Type: TypeBoolean},
		},
		Required: []string{"slots", "wants_to_finish", "changed_topic"},
		Order:    []string{"slots", "wants_to_finish", "changed_topic"},
	}
}
