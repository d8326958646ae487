package config

import (
	"fmt"

	"cuelang.org/go/cue"
)

// Schema is the CUE definition every configuration source is unified with.
// Definitions are closed, so unknown keys are reported as errors.
const Schema = `
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|ms|s|m|h))+$"

#Target: {
	host:                      string & !=""
	port?:                     int & >0 & <65536
	user:                      string & !=""
	password?:                 string
	private_key_path?:         string
	private_key_passphrase?:   string
	known_hosts_path?:         string
	strict_host_key_checking?: bool
	connection_timeout?:       #Duration
	keep_alive_interval?:      #Duration
}

#Path: {
	name:      =~"^[A-Za-z0-9][A-Za-z0-9_.-]*$"
	kind:      "inprocess" | "starlark" | "wasm" | "ssh" | "runner" | "webhook"
	priority?: int & >=0
	timeout:   #Duration

	retry?: {
		max_attempts?:    int & >=0
		initial_backoff?: #Duration
		max_backoff?:     #Duration
		jitter?:          number & >=0 & <=1
		retry_on?: [...("timeout" | "adapter_error")]
	}

	inprocess?: {
		function: string & !=""
	}
	starlark?: {
		script?:    string
		file?:      string
		max_steps?: int & >=0
	}
	wasm?: {
		file:                string & !=""
		memory_limit_pages?: int & >0
	}
	ssh?: {
		target:      #Target
		command:     string & !=""
		parse_json?: bool
	}
	runner?: {
		binary:           string & !=""
		remote_dir?:      string
		target?:          #Target
		handler:          string & !=""
		work_dir?:        string
		env?: [string]:   string
		startup_timeout?: #Duration
	}
	webhook?: {
		url:              =~"^https?://"
		method?:          "GET" | "POST" | "PUT" | "PATCH"
		headers?: [string]: string
		rate_per_second?: number & >=0
		burst?:           int & >=0
	}
}

#Sink: {
	name: string & !=""
	type: "log" | "webhook" | "redis" | "store"

	webhook?: {
		url:              =~"^https?://"
		headers?: [string]: string
		timeout?:         #Duration
		rate_per_second?: number & >=0
		burst?:           int & >=0
	}
	redis?: {
		addr:          string & !=""
		password?:     string
		db?:           int & >=0
		stream?:       string
		max_len?:      int & >=0
		dial_timeout?: #Duration
	}
}

#Config: {
	service?: {
		name?:        string
		environment?: string
	}
	logging?: {
		level?:  "trace" | "debug" | "info" | "warn" | "error" | "fatal"
		format?: "console" | "json"
		output?: string
	}
	tracing?: {
		enabled?:       bool
		exporter?:      "otlp" | "stdout" | "none"
		endpoint?:      string
		sampling_rate?: number & >=0 & <=1
		insecure?:      bool
	}
	metrics?: {
		enabled?:        bool
		listen_address?: string
		path?:           string
		namespace?:      string
	}
	api?: {
		listen_address?: string
	}
	circuit?: {
		failure_threshold?:      int & >=0
		failure_rate_threshold?: number & >=0 & <=1
		window_size?:            int & >=1
		cooldown?:               #Duration
	}
	store?: {
		path?:       string
		warm_start?: #Duration
	}
	policy?: {
		enabled?:          bool
		paths?: [...string]
		watch?:            bool
		max_params_bytes?: int & >=0
		environment?:      string
	}

	paths: [#Path, ...#Path]

	escalation: {
		sinks: [#Sink, ...#Sink]
	}
}
`

// compileSchema compiles Schema in ctx and returns the #Config definition.
func compileSchema(ctx *cue.Context) (cue.Value, error) {
	val := ctx.CompileString(Schema, cue.Filename("schema.cue"))
	if err := val.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("failed to compile schema: %w", err)
	}

	def := val.LookupPath(cue.ParsePath("#Config"))
	if !def.Exists() {
		return cue.Value{}, fmt.Errorf("schema does not define #Config")
	}
	return def, nil
}
