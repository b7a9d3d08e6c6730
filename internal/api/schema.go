package api

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const maxBodyBytes = 1 << 20

const ackSchema = `{
  "type": "object",
  "required": ["acknowledged_by"],
  "properties": {
    "acknowledged_by": {"type": "string", "minLength": 1, "maxLength": 256}
  }
}`

const sampleSchema = `{
  "type": "object",
  "required": ["text"],
  "properties": {
    "source": {"type": "string", "maxLength": 256},
    "text": {"type": "string", "minLength": 1}
  }
}`

var (
	ackRequestSchema    = mustSchema(ackSchema)
	sampleRequestSchema = mustSchema(sampleSchema)
)

func mustSchema(src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("invalid request schema: %v", err))
	}
	return schema
}

// decodeValidated reads a JSON body, validates it against schema and decodes it into v
func decodeValidated(body io.Reader, schema *gojsonschema.Schema, v any) error {
	data, err := io.ReadAll(io.LimitReader(body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to read body: %w", err)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return fmt.Errorf("validation failed: %s", strings.Join(errs, "; "))
	}

	return json.Unmarshal(data, v)
}
