package item

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/keelworks/keel/pkg/fault"
)

// ValidateParams validates params against the item's declared parameter
// schema. Items without a schema accept any params. Validation failures are
// reported field by field, naming the item, so a caller can repair and retry
// without re-reading the schema.
func ValidateParams(it *Item, params map[string]interface{}) error {
	if len(it.ParamSchema) == 0 {
		return nil
	}

	compiler := jsonschema.NewCompiler()
	url := "keel://" + it.Ref.ID + "/params.schema.json"
	if err := compiler.AddResource(url, bytes.NewReader(it.ParamSchema)); err != nil {
		return fault.New(fault.CodeMalformedItem, "param schema unreadable").
			WithItem(it.Ref.String()).WithCause(err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return fault.New(fault.CodeMalformedItem, "param schema invalid").
			WithItem(it.Ref.String()).WithCause(err)
	}

	// Round-trip through JSON so numeric types match what the schema
	// validator expects.
	encoded, err := json.Marshal(params)
	if err != nil {
		return fault.New(fault.CodeConfigInvalid, "params not serializable").
			WithItem(it.Ref.String()).WithCause(err)
	}
	var generic interface{}
	if err := json.Unmarshal(encoded, &generic); err != nil {
		return fault.New(fault.CodeConfigInvalid, "params not serializable").
			WithItem(it.Ref.String()).WithCause(err)
	}

	if err := schema.Validate(generic); err != nil {
		var ve *jsonschema.ValidationError
		if ok := asValidationError(err, &ve); ok {
			return fault.New(fault.CodeConfigInvalid, "params rejected: %s", flattenValidation(ve)).
				WithItem(it.Ref.String()).WithCause(err)
		}
		return fault.New(fault.CodeConfigInvalid, "params rejected").
			WithItem(it.Ref.String()).WithCause(err)
	}
	return nil
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if ok {
		*target = ve
	}
	return ok
}

func flattenValidation(ve *jsonschema.ValidationError) string {
	leaves := ve.BasicOutput().Errors
	parts := make([]string, 0, len(leaves))
	for _, l := range leaves {
		if l.Error == "" {
			continue
		}
		loc := l.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		parts = append(parts, fmt.Sprintf("%s: %s", loc, l.Error))
	}
	return strings.Join(parts, "; ")
}
