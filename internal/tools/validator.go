package tools

import (
	"errors"
	"fmt"
)

// ValidateCall checks tool call arguments against the schema of a tool the sandbox serves.
func ValidateCall(sb *Sandbox, name string, args map[string]interface{}) error {
	if sb == nil {
		return errors.New("sandbox unavailable")
	}
	schema, ok := sb.Schema(name)
	if !ok {
		return fmt.Errorf("unknown or disabled tool %q", name)
	}
	if err := validateAgainstSchema(schema, args); err != nil {
		return err
	}
	switch name {
	case ToolShell:
		cmd, _ := args["command"].([]interface{})
		if len(cmd) == 0 {
			return fmt.Errorf("command must not be empty")
		}
		for _, part := range cmd {
			if _, ok := part.(string); !ok {
				return fmt.Errorf("command must be an array of strings")
			}
		}
	case ToolApplyPatch:
		if sb.Git.DryRunOnly {
			return fmt.Errorf("apply_patch is disabled: sandbox does not allow writes")
		}
	case ToolSearch:
		if limit, ok := args["limit"].(float64); ok && limit < 0 {
			return fmt.Errorf("limit must be >= 0")
		}
	}
	return nil
}

func validateAgainstSchema(schema Schema, args map[string]interface{}) error {
	for _, field := range schema.Parameters {
		val, exists := args[field.Name]
		if field.Required && !exists {
			return fmt.Errorf("%s is required", field.Name)
		}
		if !exists {
			continue
		}
		switch field.Type {
		case "string":
			if _, ok := val.(string); !ok {
				return fmt.Errorf("%s must be string", field.Name)
			}
		case "boolean":
			if _, ok := val.(bool); !ok {
				return fmt.Errorf("%s must be boolean", field.Name)
			}
		case "array":
			if _, ok := val.([]interface{}); !ok {
				return fmt.Errorf("%s must be array", field.Name)
			}
		case "integer":
			switch val.(type) {
			case float64, int, int64:
			default:
				return fmt.Errorf("%s must be integer", field.Name)
			}
		}
		if len(field.Enum) > 0 {
			s, _ := val.(string)
			valid := false
			for _, allowed := range field.Enum {
				if s == allowed {
					valid = true
					break
				}
			}
			if !valid {
				return fmt.Errorf("%s must be one of %v", field.Name, field.Enum)
			}
		}
	}
	return nil
}
