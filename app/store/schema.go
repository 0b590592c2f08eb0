package store

import (
	"github.com/invopop/jsonschema"
)

// GenerateSchema generates a JSON schema for the job metadata document
func GenerateSchema() (*jsonschema.Schema, error) {
	return jsonschema.Reflect(&Job{}), nil
}
