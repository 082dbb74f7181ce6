package simconfig

import (
	"github.com/invopop/jsonschema"
)

// Schema describes Config as a JSON schema document for form generators.
func Schema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: false,
	}
	schema := reflector.Reflect(&Config{})
	schema.Title = "Traffic Simulation Config"
	schema.Description = "Parameters forwarded to the simulation engine when a run starts."
	return schema
}
