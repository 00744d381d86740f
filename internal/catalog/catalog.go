package catalog

import (
	"fmt"
	"math"
	"sort"
)

// ValidationError describes a request rejected before any backend call.
type ValidationError struct {
	Command string
	Param   string
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.Param == "" {
		return fmt.Sprintf("command %q: %s", e.Command, e.Reason)
	}
	return fmt.Sprintf("command %q, param %q: %s", e.Command, e.Param, e.Reason)
}

// Params is a validated, typed parameter set. Getters assume validation has
// run; a missing optional parameter returns the zero value, use Has to
// distinguish.
type Params struct {
	values map[string]interface{}
}

// Has reports whether the parameter was supplied or defaulted.
func (p Params) Has(name string) bool {
	_, ok := p.values[name]
	return ok
}

// Float returns a float parameter.
func (p Params) Float(name string) float64 {
	v, _ := p.values[name].(float64)
	return v
}

// Int returns an int parameter.
func (p Params) Int(name string) int {
	v, _ := p.values[name].(int)
	return v
}

// Bool returns a bool parameter.
func (p Params) Bool(name string) bool {
	v, _ := p.values[name].(bool)
	return v
}

// String returns a string parameter.
func (p Params) String(name string) string {
	v, _ := p.values[name].(string)
	return v
}

// Catalog maps command names to their immutable specifications.
type Catalog struct {
	specs map[string]*CommandSpec
}

// New builds a catalog from the compiled-in defaults with optional overrides
// merged on top (per command name).
func New(overrides map[string]*CommandSpec) *Catalog {
	specs := Defaults()
	for name, spec := range overrides {
		specs[name] = spec
	}
	return &Catalog{specs: specs}
}

// Spec returns the specification for a command name.
func (c *Catalog) Spec(name string) (*CommandSpec, bool) {
	s, ok := c.specs[name]
	return s, ok
}

// Names returns all known command names, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.specs))
	for name := range c.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks a raw request against the spec and returns typed,
// bounds-checked parameters. Unknown commands, unknown parameters, type
// mismatches, bound violations and missing required parameters are all
// rejected here, before any backend call.
func (c *Catalog) Validate(name string, raw map[string]interface{}) (Params, error) {
	spec, ok := c.specs[name]
	if !ok {
		return Params{}, &ValidationError{Command: name, Reason: "unknown command"}
	}

	values := make(map[string]interface{}, len(spec.Params))

	for pname := range raw {
		if _, ok := spec.Params[pname]; !ok {
			return Params{}, &ValidationError{Command: name, Param: pname, Reason: "unknown parameter"}
		}
	}

	for pname, pspec := range spec.Params {
		rawVal, supplied := raw[pname]
		if !supplied {
			if pspec.Default != nil {
				v, err := coerce(pspec.Type, pspec.Default)
				if err != nil {
					return Params{}, &ValidationError{Command: name, Param: pname, Reason: err.Error()}
				}
				values[pname] = v
				continue
			}
			if pspec.Required {
				return Params{}, &ValidationError{Command: name, Param: pname, Reason: "required parameter missing"}
			}
			continue
		}

		v, err := coerce(pspec.Type, rawVal)
		if err != nil {
			return Params{}, &ValidationError{Command: name, Param: pname, Reason: err.Error()}
		}
		if err := checkBounds(pspec, v); err != nil {
			return Params{}, &ValidationError{Command: name, Param: pname, Reason: err.Error()}
		}
		values[pname] = v
	}

	return Params{values: values}, nil
}

// coerce converts a raw value to the declared type. Numeric widening between
// int and float is accepted (JSON decodes every number as float64); anything
// else is a type mismatch, there is no implicit string or bool conversion.
func coerce(t ParamType, raw interface{}) (interface{}, error) {
	switch t {
	case TypeFloat:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		}
	case TypeInt:
		switch v := raw.(type) {
		case int:
			return v, nil
		case int64:
			return int(v), nil
		case float64:
			if v == math.Trunc(v) {
				return int(v), nil
			}
			return nil, fmt.Errorf("expected int, got non-integral %v", v)
		}
	case TypeBool:
		if v, ok := raw.(bool); ok {
			return v, nil
		}
	case TypeString:
		if v, ok := raw.(string); ok {
			return v, nil
		}
	}
	return nil, fmt.Errorf("expected %s, got %T", t, raw)
}

func checkBounds(spec ParamSpec, v interface{}) error {
	var num float64
	switch t := v.(type) {
	case float64:
		num = t
	case int:
		num = float64(t)
	default:
		return nil
	}
	if spec.Min != nil && num < *spec.Min {
		return fmt.Errorf("value %v below minimum %v", num, *spec.Min)
	}
	if spec.Max != nil && num > *spec.Max {
		return fmt.Errorf("value %v above maximum %v", num, *spec.Max)
	}
	return nil
}
