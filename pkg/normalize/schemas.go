package normalize

import (
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// lineItemsSchema is the strict contract for the line-items prompt. Model
// output failing validation consumes the attempt.
const lineItemsSchema = `{
  "type": "object",
  "required": ["lines"],
  "additionalProperties": false,
  "properties": {
    "lines": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["line_no", "qty", "unit", "description", "confidence"],
        "additionalProperties": false,
        "properties": {
          "line_no": {"type": "integer", "minimum": 1},
          "qty": {"type": "number", "exclusiveMinimum": 0},
          "unit": {"type": "string"},
          "description": {"type": "string", "minLength": 1},
          "part_code": {"type": ["string", "null"]},
          "confidence": {"enum": ["high", "med", "low"]}
        }
      }
    },
    "notes": {"type": ["string", "null"]}
  }
}`

// labelSchema is the shipping-label metadata contract. All fields except
// carrier and tracking_number are nullable; failures return partial fields.
const labelSchema = `{
  "type": "object",
  "required": ["carrier", "tracking_number"],
  "additionalProperties": false,
  "properties": {
    "carrier": {"type": ["string", "null"]},
    "tracking_number": {"type": ["string", "null"]},
    "po_number": {"type": ["string", "null"]},
    "ship_to": {"type": ["string", "null"]},
    "ship_from": {"type": ["string", "null"]},
    "ship_date": {"type": ["string", "null"]},
    "service_type": {"type": ["string", "null"]}
  }
}`

var (
	lineItemsCompiled = mustCompile("line_items.json", lineItemsSchema)
	labelCompiled     = mustCompile("label.json", labelSchema)
)

func mustCompile(name, schema string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, strings.NewReader(schema)); err != nil {
		panic(err)
	}
	return c.MustCompile(name)
}

// validate decodes raw JSON and checks it against a compiled schema.
func validate(schema *jsonschema.Schema, raw json.RawMessage) (any, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if err := schema.Validate(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// lineItemsPrompt frames the OCR text for structured re-extraction.
func lineItemsPrompt(ocrText string) string {
	var sb strings.Builder
	sb.WriteString("Extract every line item from this packing slip text.\n")
	sb.WriteString("Return JSON only, matching the response schema exactly.\n")
	sb.WriteString("Rules: qty must be a positive number; unit is one of ")
	sb.WriteString("each, box, case, pcs, kg, g, lb, m, ft, gal, l, or the raw ")
	sb.WriteString("token if none fits; part_code is null when absent; skip ")
	sb.WriteString("totals, taxes, and page furniture.\n\nTEXT:\n")
	sb.WriteString(ocrText)
	return sb.String()
}

// labelPrompt frames shipping-label text for metadata extraction.
func labelPrompt(ocrText string) string {
	var sb strings.Builder
	sb.WriteString("Extract shipping metadata from this label text.\n")
	sb.WriteString("Return JSON only, matching the response schema exactly. ")
	sb.WriteString("Use null for any field not present on the label.\n\nTEXT:\n")
	sb.WriteString(ocrText)
	return sb.String()
}
