// internal/schema/validator.go
// Package schema provides JSON schema validation for contact-center API payloads.
// It ensures a list page has the shape the lister maps from before any
// recording is constructed.
package schema

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Payload kinds with a registered schema.
const (
	RecordingsPage = "contact_center.recordings.page" // One page of GET /contact_center/recordings
	TokenResponse  = "oauth.token"                    // Body of the OAuth token endpoint
)

// recordingsPageSchema requires every element of recordings to carry the five
// fields mapped into a Recording. A missing or null recordings array is an empty page.
const recordingsPageSchema = `{
  "type": "object",
  "properties": {
    "next_page_token": {"type": ["string", "null"]},
    "page_size": {"type": "integer"},
    "total_records": {"type": "integer"},
    "recordings": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["recording_start_time", "engagement_id", "channel_type", "recording_id", "download_url"],
        "properties": {
          "recording_start_time": {"type": "string"},
          "engagement_id": {"type": "string"},
          "channel_type": {"type": "string"},
          "recording_id": {"type": "string", "minLength": 1},
          "download_url": {"type": "string", "minLength": 1}
        }
      }
    }
  }
}`

const tokenResponseSchema = `{
  "type": "object",
  "required": ["access_token", "expires_in"],
  "properties": {
    "access_token": {"type": "string", "minLength": 1},
    "token_type": {"type": "string"},
    "expires_in": {"type": "integer", "minimum": 0},
    "scope": {"type": "string"}
  }
}`

// Validator validates raw API payloads against compiled JSON schemas.
type Validator struct {
	schemas map[string]*gojsonschema.Schema // Map of payload kinds to JSON schemas
}

// NewValidator creates a new schema validator.
// It compiles all supported schemas up front.
// Returns:
//   - *Validator: Initialized validator instance
//   - error: Any error that occurred during initialization
func NewValidator() (*Validator, error) {
	v := &Validator{
		schemas: make(map[string]*gojsonschema.Schema),
	}

	if err := v.loadSchema(RecordingsPage, recordingsPageSchema); err != nil {
		return nil, fmt.Errorf("failed to load recordings page schema: %w", err)
	}
	if err := v.loadSchema(TokenResponse, tokenResponseSchema); err != nil {
		return nil, fmt.Errorf("failed to load token response schema: %w", err)
	}

	return v, nil
}

// MustNewValidator is NewValidator for the package's own constant schemas.
func MustNewValidator() *Validator {
	v, err := NewValidator()
	if err != nil {
		panic(err)
	}
	return v
}

// loadSchema loads a single schema.
// Parameters:
//   - kind: The payload kind (e.g., RecordingsPage)
//   - schemaJSON: The JSON schema as a string
// Returns:
//   - error: Any error that occurred during schema loading
func (v *Validator) loadSchema(kind, schemaJSON string) error {
	// Compile the schema for efficient validation
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("invalid schema for %s: %w", kind, err)
	}

	v.schemas[kind] = schema
	return nil
}

// Validate validates a raw JSON document against the schema registered for kind.
// Parameters:
//   - kind: The payload kind
//   - document: The raw JSON body
// Returns:
//   - error: nil if valid, error with details if invalid
func (v *Validator) Validate(kind string, document []byte) error {
	schema, exists := v.schemas[kind]
	if !exists {
		return fmt.Errorf("schema not found for payload: %s", kind)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(document))
	if err != nil {
		return fmt.Errorf("validation error: %w", err)
	}

	// Check if validation failed and collect error details
	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return fmt.Errorf("validation failed: %s", strings.Join(errs, "; "))
	}

	return nil
}
