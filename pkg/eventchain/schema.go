package eventchain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/settld-labs/settld/pkg/canonical"
)

// Monetary event payloads carry the amounts the ledger later posts, so they
// are schema-validated at finalize time. Event types without a schema
// (telemetry, heartbeats) pass through unvalidated; the state machines fold
// them as no-ops.

const moneySchema = `{
	"type": "object",
	"required": ["amountCents", "currency"],
	"properties": {
		"amountCents": {"type": "integer", "minimum": 0},
		"currency": {"type": "string", "minLength": 3, "maxLength": 3}
	}
}`

const runMoneySchema = `{
	"type": "object",
	"required": ["runId", "amountCents"],
	"properties": {
		"runId": {"type": "string", "minLength": 1},
		"agentId": {"type": "string"},
		"payerAgentId": {"type": "string"},
		"amountCents": {"type": "integer", "minimum": 0}
	}
}`

const walletMoneySchema = `{
	"type": "object",
	"required": ["agentId", "amountCents"],
	"properties": {
		"agentId": {"type": "string", "minLength": 1},
		"amountCents": {"type": "integer", "minimum": 1}
	}
}`

var payloadSchemaSources = map[string]string{
	"JOB_QUOTED":         moneySchema,
	"JOB_SETTLED":        moneySchema,
	"RUN_LOCKED":         runMoneySchema,
	"RUN_RELEASED":       runMoneySchema,
	"RUN_REFUNDED":       runMoneySchema,
	"WALLET_CREDITED":    walletMoneySchema,
	"WALLET_DEBITED":     walletMoneySchema,
	"WALLET_TRANSFERRED": walletMoneySchema,
}

var (
	schemaOnce     sync.Once
	payloadSchemas map[string]*jsonschema.Schema
	schemaInitErr  error
)

func compileSchemas() {
	payloadSchemas = make(map[string]*jsonschema.Schema, len(payloadSchemaSources))
	for eventType, src := range payloadSchemaSources {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://settld.schemas.local/events/%s.schema.json", eventType)
		if err := c.AddResource(url, strings.NewReader(src)); err != nil {
			schemaInitErr = fmt.Errorf("eventchain: schema load failed for %s: %w", eventType, err)
			return
		}
		compiled, err := c.Compile(url)
		if err != nil {
			schemaInitErr = fmt.Errorf("eventchain: schema compile failed for %s: %w", eventType, err)
			return
		}
		payloadSchemas[eventType] = compiled
	}
}

// ValidatePayload checks a monetary event payload against its schema.
// Event types without a registered schema are accepted as-is.
func ValidatePayload(eventType string, payload map[string]interface{}) error {
	schemaOnce.Do(compileSchemas)
	if schemaInitErr != nil {
		return schemaInitErr
	}
	schema, ok := payloadSchemas[eventType]
	if !ok {
		return nil
	}
	if payload == nil {
		return fmt.Errorf("eventchain: %s requires a payload", eventType)
	}
	plain, err := toPlain(payload)
	if err != nil {
		return err
	}
	if err := schema.Validate(plain); err != nil {
		return fmt.Errorf("eventchain: %s payload invalid: %w", eventType, err)
	}
	return nil
}

// toPlain canonicalizes the payload and decodes it back so the schema
// validator sees exactly what the canonical encoder would emit, with numbers
// as json.Number.
func toPlain(payload map[string]interface{}) (interface{}, error) {
	raw, err := canonical.Encode(payload)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var plain interface{}
	if err := dec.Decode(&plain); err != nil {
		return nil, fmt.Errorf("eventchain: payload decode failed: %w", err)
	}
	return plain, nil
}
