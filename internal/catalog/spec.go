// Package catalog holds the declarative command specifications: parameter
// schemas with defaults and bounds, and the execution metadata (criticality,
// failsafe action, retry budget) the engine enforces. Specs are loaded once
// at startup and immutable afterwards.
package catalog

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ParamType enumerates the supported parameter types.
type ParamType string

const (
	TypeFloat  ParamType = "float"
	TypeInt    ParamType = "int"
	TypeBool   ParamType = "bool"
	TypeString ParamType = "string"
)

// Failsafe actions the engine may take when a critical command fails.
const (
	FailsafeLand          = "land"
	FailsafeRTL           = "rtl"
	FailsafeEmergencyStop = "emergency_stop"
	FailsafeNone          = ""
)

// Timeout behaviors. A command exceeding its timeout either fails like any
// other error, retries and failsafe included (the default), or lets the
// sequence continue: the timeout is recorded as a failure but consumes no
// retries and triggers no failsafe.
const (
	TimeoutFail     = "fail"
	TimeoutContinue = "continue"
)

// ParamSpec describes one command parameter. A parameter with neither a
// default nor the required flag is optional; commands check presence with
// Params.Has.
type ParamSpec struct {
	Type     ParamType   `yaml:"type"`
	Default  interface{} `yaml:"default"`
	Min      *float64    `yaml:"min"`
	Max      *float64    `yaml:"max"`
	Required bool        `yaml:"required"`
}

// CommandSpec is the declarative specification for one command name.
type CommandSpec struct {
	Name            string               `yaml:"-"`
	Version         int                  `yaml:"version"`
	Params          map[string]ParamSpec `yaml:"params"`
	Critical        bool                 `yaml:"critical"`
	Failsafe        string               `yaml:"failsafe"`
	MaxRetries      int                  `yaml:"max_retries"`
	TimeoutSeconds  float64              `yaml:"timeout"`
	TimeoutBehavior string               `yaml:"timeout_behavior"`
}

// Request is an unvalidated command request as produced by the transport.
type Request struct {
	Name   string                 `json:"name"`
	Params map[string]interface{} `json:"params"`
}

type catalogFile struct {
	Commands map[string]*CommandSpec `yaml:"commands"`
}

// LoadFile parses a YAML catalog file. Entries override the compiled-in
// defaults per command name; commands absent from the file keep their
// defaults.
func LoadFile(path string) (map[string]*CommandSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading catalog %s", path)
	}

	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrapf(err, "parsing catalog %s", path)
	}

	for name, spec := range f.Commands {
		spec.Name = name
		if err := checkSpec(spec); err != nil {
			return nil, errors.Wrapf(err, "catalog entry %q", name)
		}
	}
	return f.Commands, nil
}

func checkSpec(spec *CommandSpec) error {
	switch spec.Failsafe {
	case FailsafeNone, FailsafeLand, FailsafeRTL, FailsafeEmergencyStop:
	default:
		return errors.Errorf("unknown failsafe action %q", spec.Failsafe)
	}
	if spec.MaxRetries < 0 {
		return errors.Errorf("max_retries must be >= 0, got %d", spec.MaxRetries)
	}
	switch spec.TimeoutBehavior {
	case "", TimeoutFail, TimeoutContinue:
	default:
		return errors.Errorf("unknown timeout behavior %q", spec.TimeoutBehavior)
	}
	for pname, p := range spec.Params {
		switch p.Type {
		case TypeFloat, TypeInt, TypeBool, TypeString:
		default:
			return errors.Errorf("param %q: unknown type %q", pname, p.Type)
		}
		if p.Min != nil && p.Max != nil && *p.Min > *p.Max {
			return errors.Errorf("param %q: min %v above max %v", pname, *p.Min, *p.Max)
		}
		if p.Default != nil {
			if _, err := coerce(p.Type, p.Default); err != nil {
				return errors.Wrapf(err, "param %q default", pname)
			}
		}
	}
	return nil
}

func f(v float64) *float64 { return &v }

// Defaults returns the compiled-in catalog.
func Defaults() map[string]*CommandSpec {
	specs := map[string]*CommandSpec{
		"takeoff": {
			Params: map[string]ParamSpec{
				"altitude": {Type: TypeFloat, Default: 10.0, Min: f(1), Max: f(120)},
			},
			Critical:       true,
			Failsafe:       FailsafeLand,
			MaxRetries:     1,
			TimeoutSeconds: 60,
		},
		"land": {
			Critical:       true,
			MaxRetries:     2,
			TimeoutSeconds: 90,
		},
		"rtl": {
			Params: map[string]ParamSpec{
				"wait_for_landing": {Type: TypeBool, Default: false},
			},
			Critical:       true,
			Failsafe:       FailsafeLand,
			MaxRetries:     1,
			TimeoutSeconds: 180,
		},
		"wait": {
			Params: map[string]ParamSpec{
				"seconds": {Type: TypeFloat, Default: 1.0, Min: f(0), Max: f(3600)},
			},
			MaxRetries: 0,
		},
		"hold": {
			MaxRetries:     1,
			TimeoutSeconds: 10,
		},
		"arm": {
			Critical:       true,
			MaxRetries:     1,
			TimeoutSeconds: 10,
		},
		"disarm": {
			MaxRetries:     2,
			TimeoutSeconds: 10,
		},
		"set_mode": {
			Params: map[string]ParamSpec{
				"mode": {Type: TypeString, Required: true},
			},
			MaxRetries:     1,
			TimeoutSeconds: 10,
		},
		"goto": {
			Params: map[string]ParamSpec{
				"north":     {Type: TypeFloat, Default: 0.0, Min: f(-500), Max: f(500)},
				"east":      {Type: TypeFloat, Default: 0.0, Min: f(-500), Max: f(500)},
				"down":      {Type: TypeFloat, Default: 0.0, Min: f(-120), Max: f(0)},
				"relative":  {Type: TypeBool, Default: false},
				"yaw":       {Type: TypeFloat, Min: f(-180), Max: f(180)},
				"max_speed": {Type: TypeFloat, Default: 5.0, Min: f(0.5), Max: f(12)},
				"tolerance": {Type: TypeFloat, Default: 1.0, Min: f(0.1), Max: f(10)},
			},
			MaxRetries:     1,
			TimeoutSeconds: 120,
		},
		"orbit": {
			Params: map[string]ParamSpec{
				"radius":       {Type: TypeFloat, Default: 10.0, Min: f(2), Max: f(100)},
				"velocity":     {Type: TypeFloat, Default: 2.0, Min: f(0.5), Max: f(10)},
				"center_lat":   {Type: TypeFloat},
				"center_lon":   {Type: TypeFloat},
				"center_north": {Type: TypeFloat, Min: f(-500), Max: f(500)},
				"center_east":  {Type: TypeFloat, Min: f(-500), Max: f(500)},
				"duration":     {Type: TypeFloat, Min: f(1), Max: f(3600)},
				"loops":        {Type: TypeInt, Min: f(1), Max: f(100)},
				"continuous":   {Type: TypeBool, Default: false},
			},
			MaxRetries:     0,
			TimeoutSeconds: 600,
		},
	}
	for name, spec := range specs {
		spec.Name = name
	}
	return specs
}
