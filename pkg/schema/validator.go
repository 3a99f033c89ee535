// Package schema validates and self-corrects the JSON input schemas of
// generated tools so every registered tool stays protocol-valid.
package schema

import (
	"fmt"
	"strings"
)

// allowedPropertyTypes is the closed set of property types a workflow input
// schema may declare.
var allowedPropertyTypes = map[string]bool{
	"string": true, "number": true, "boolean": true,
	"object": true, "array": true, "integer": true,
}

// ValidationResult reports schema validity with separated errors and
// warnings. Warnings never fail validation.
type ValidationResult struct {
	IsValid  bool
	Errors   []string
	Warnings []string
}

// Validate checks that a schema is a well-formed object schema:
// root type=object, properties an object map of object-valued entries with
// known types, required an array of strings. Required entries missing from
// properties are warnings, not errors.
func Validate(schema any) ValidationResult {
	var errors, warnings []string

	root, ok := schema.(map[string]any)
	if !ok {
		errors = append(errors, "Root schema must be a JSON object")
		return result(errors, warnings)
	}

	validateRootType(root, &errors)
	properties := validateProperties(root, &errors, &warnings)
	validateRequired(root, properties, &errors, &warnings)

	if len(properties) == 0 {
		warnings = append(warnings, "Schema has no input properties defined")
	}

	return result(errors, warnings)
}

func result(errors, warnings []string) ValidationResult {
	return ValidationResult{
		IsValid:  len(errors) == 0,
		Errors:   errors,
		Warnings: warnings,
	}
}

func validateRootType(root map[string]any, errors *[]string) {
	switch kind := root["type"].(type) {
	case string:
		if kind != "object" {
			*errors = append(*errors, fmt.Sprintf("Schema root must be type=object, found '%s'", kind))
		}
	case nil:
		*errors = append(*errors, "Schema root missing 'type' field")
	default:
		*errors = append(*errors, "Schema root type must be a string literal")
	}
}

func validateProperties(root map[string]any, errors, warnings *[]string) map[string]any {
	raw, present := root["properties"]
	if !present {
		*warnings = append(*warnings, "Schema missing 'properties'; defaulting to empty")
		return map[string]any{}
	}

	propMap, ok := raw.(map[string]any)
	if !ok {
		*errors = append(*errors, "Schema 'properties' must be an object map")
		return map[string]any{}
	}

	validated := make(map[string]any)
	for name, value := range propMap {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			*warnings = append(*warnings, "Encountered property with empty name; skipping")
			continue
		}
		prop, ok := value.(map[string]any)
		if !ok {
			*errors = append(*errors, fmt.Sprintf(
				"Schema property '%s' must be an object with at least a 'type' field", trimmed))
			continue
		}
		validatePropertyType(trimmed, prop, errors, warnings)
		validated[trimmed] = prop
	}
	return validated
}

func validatePropertyType(name string, prop map[string]any, errors, warnings *[]string) {
	switch kind := prop["type"].(type) {
	case string:
		if !allowedPropertyTypes[kind] {
			*errors = append(*errors, fmt.Sprintf("Property '%s' has unsupported type '%s'", name, kind))
		}
	case nil:
		*warnings = append(*warnings, fmt.Sprintf(
			"Property '%s' missing type; defaulting to string during correction", name))
	default:
		*errors = append(*errors, fmt.Sprintf("Property '%s' type must be a string literal", name))
	}
}

func validateRequired(root map[string]any, properties map[string]any, errors, warnings *[]string) {
	raw, present := root["required"]
	if !present {
		return
	}

	entries, ok := raw.([]any)
	if !ok {
		*errors = append(*errors, "Schema 'required' must be an array of property names")
		return
	}

	for _, entry := range entries {
		name, ok := entry.(string)
		if !ok {
			*errors = append(*errors, "Entries in 'required' must be strings")
			continue
		}
		if _, exists := properties[name]; !exists {
			*warnings = append(*warnings, fmt.Sprintf("Required field '%s' not present in properties", name))
		}
	}
}
