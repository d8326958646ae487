package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		actionNamingPolicy(),
		paramsSizePolicy(),
		paramsKeysPolicy(),
	}
}

// actionNamingPolicy enforces action naming conventions.
func actionNamingPolicy() Policy {
	return Policy{
		Name:        "action-naming",
		Description: "Action names are lowercase dotted identifiers of at most 128 characters",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"naming", "conventions"},
		Rego: `package pathrunner.policies.naming

import rego.v1

deny contains violation if {
	name := input.action.name
	not regex.match("^[a-z0-9][a-z0-9_.-]*$", name)
	violation := {
		"message": sprintf("action name '%s' must start with a lowercase letter or digit and contain only lowercase letters, digits, '.', '_' and '-'", [name]),
		"severity": "error",
	}
}

deny contains violation if {
	name := input.action.name
	count(name) > 128
	violation := {
		"message": sprintf("action name must not exceed 128 characters (got %d)", [count(name)]),
		"severity": "error",
	}
}

deny contains violation if {
	name := input.action.name
	contains(name, "..")
	violation := {
		"message": sprintf("action name '%s' must not contain empty segments", [name]),
		"severity": "error",
	}
}

deny contains violation if {
	name := input.action.name
	endswith(name, ".")
	violation := {
		"message": sprintf("action name '%s' must not end with '.'", [name]),
		"severity": "error",
	}
}`,
	}
}

// paramsSizePolicy bounds the encoded size of the action params.
func paramsSizePolicy() Policy {
	return Policy{
		Name:        "params-size",
		Description: "Encoded action params must not exceed the configured limit",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"limits"},
		Rego: `package pathrunner.policies.params_size

import rego.v1

deny contains violation if {
	limit := input.context.max_params_bytes
	limit > 0
	input.action.params_size > limit
	violation := {
		"message": sprintf("params are %d bytes, limit is %d", [input.action.params_size, limit]),
		"severity": "error",
		"size": input.action.params_size,
		"limit": limit,
	}
}`,
	}
}

// paramsKeysPolicy flags parameter keys reserved for internal use.
func paramsKeysPolicy() Policy {
	return Policy{
		Name:        "params-keys",
		Description: "Parameter keys should not be empty or start with a double underscore",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"params"},
		Rego: `package pathrunner.policies.params_keys

import rego.v1

deny contains violation if {
	some key, _ in input.action.params
	startswith(key, "__")
	violation := {
		"message": sprintf("parameter '%s' uses the reserved '__' prefix", [key]),
		"severity": "warning",
	}
}

deny contains violation if {
	some key, _ in input.action.params
	key == ""
	violation := {
		"message": "parameter keys must not be empty",
		"severity": "warning",
	}
}`,
	}
}
