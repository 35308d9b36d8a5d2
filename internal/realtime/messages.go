package realtime

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Client to server events.
const (
	EventJoinDocument   = "join_document"
	EventLeaveDocument  = "leave_document"
	EventDocumentChange = "document_change"
)

// Server to client events.
const (
	EventLoadDocumentContent = "load_document_content"
	EventDocumentUpdated     = "document_updated"
	EventNotify              = "notify"
	EventError               = "error"
)

// Envelope is one frame on the duplex channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type JoinDocumentPayload struct {
	DocumentID int64 `json:"document_id"`
}

type LeaveDocumentPayload struct {
	DocumentID int64 `json:"document_id"`
}

type DocumentChangePayload struct {
	DocumentID int64           `json:"document_id"`
	Content    json.RawMessage `json:"content"`
}

type LoadDocumentContentPayload struct {
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Content     json.RawMessage `json:"content"`
}

type DocumentUpdatedPayload struct {
	DocumentID int64           `json:"document_id"`
	Content    json.RawMessage `json:"content"`
	ByUserID   int64           `json:"by_user_id"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// Inbound payload schemas. Content trees stay unconstrained: the document
// body is opaque to the client.
const (
	loadDocumentContentSchema = `{
		"type": "object",
		"properties": {
			"title": {"type": "string"},
			"description": {"type": ["string", "null"]}
		},
		"required": ["title"]
	}`
	documentUpdatedSchema = `{
		"type": "object",
		"properties": {
			"document_id": {"type": "integer"},
			"by_user_id": {"type": "integer"}
		},
		"required": ["document_id"]
	}`
	notifySchema = `{
		"type": "object",
		"properties": {
			"event": {"type": "string"},
			"doc_id": {"type": "integer"}
		},
		"required": ["event", "doc_id"]
	}`
	errorSchema = `{
		"type": "object",
		"properties": {
			"message": {"type": "string"}
		}
	}`
)

var inboundSchemas = mustCompileSchemas(map[string]string{
	EventLoadDocumentContent: loadDocumentContentSchema,
	EventDocumentUpdated:     documentUpdatedSchema,
	EventNotify:              notifySchema,
	EventError:               errorSchema,
})

func mustCompileSchemas(sources map[string]string) map[string]*jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	for event, source := range sources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
		if err != nil {
			panic(fmt.Sprintf("bad schema for %s: %v", event, err))
		}
		if err := compiler.AddResource(event+".json", doc); err != nil {
			panic(fmt.Sprintf("add schema for %s: %v", event, err))
		}
	}
	compiled := make(map[string]*jsonschema.Schema, len(sources))
	for event := range sources {
		schema, err := compiler.Compile(event + ".json")
		if err != nil {
			panic(fmt.Sprintf("compile schema for %s: %v", event, err))
		}
		compiled[event] = schema
	}
	return compiled
}

// validateInbound checks a server payload against the schema for its event.
// Unknown events pass through; subscribers decide what to do with them.
func validateInbound(event string, data json.RawMessage) error {
	schema, ok := inboundSchemas[event]
	if !ok {
		return nil
	}
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return err
	}
	return schema.Validate(instance)
}
