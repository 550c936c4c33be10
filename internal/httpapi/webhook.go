package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/inboxsync/internal/inboxsync"
)

const webhookSchemaURL = "https://schemas.agentworkforce.dev/inboxsync/webhook.json"

// object is only typed here; its value is checked by the handler so an
// unknown object maps to 404 rather than a schema failure.
const webhookSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["object", "events"],
  "properties": {
    "object": {"type": "string"},
    "events": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["ownerId", "eventType"],
        "properties": {
          "ownerId": {"type": "string", "minLength": 1},
          "eventType": {"enum": ["insert", "update", "delete"]},
          "previous": {"$ref": "#/$defs/item"},
          "current": {"$ref": "#/$defs/item"}
        }
      }
    }
  },
  "$defs": {
    "item": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "unreadCount": {"type": "integer", "minimum": 0},
        "status": {"enum": ["active", "archived"]},
        "priority": {"enum": ["low", "normal", "high", "urgent"]},
        "lastActivityAt": {"type": "string"}
      }
    }
  }
}`

type webhookDelivery struct {
	Object string         `json:"object"`
	Events []webhookEvent `json:"events"`
}

type webhookEvent struct {
	OwnerID string `json:"ownerId"`
	inboxsync.Event
}

type webhookValidator struct {
	schema *jsonschema.Schema
}

func newWebhookValidator() *webhookValidator {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(webhookSchema))
	if err != nil {
		panic(fmt.Sprintf("decode webhook schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(webhookSchemaURL, doc); err != nil {
		panic(fmt.Sprintf("add webhook schema: %v", err))
	}
	return &webhookValidator{schema: compiler.MustCompile(webhookSchemaURL)}
}

func (v *webhookValidator) parse(body []byte) (webhookDelivery, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return webhookDelivery{}, fmt.Errorf("invalid json body")
	}
	if err := v.schema.Validate(inst); err != nil {
		return webhookDelivery{}, fmt.Errorf("invalid webhook payload: %v", err)
	}
	var delivery webhookDelivery
	if err := json.Unmarshal(body, &delivery); err != nil {
		return webhookDelivery{}, fmt.Errorf("invalid webhook payload: %v", err)
	}
	return delivery, nil
}
