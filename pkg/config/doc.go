// Package config loads the pathrunner configuration file.
//
// A configuration can be written in CUE, YAML or JSON; the format follows the
// file extension. Every source is unified with the CUE definition in Schema,
// decoded into Config and checked with validator struct tags, so the three
// formats accept exactly the same documents.
//
// # Example
//
//	circuit: {
//		failure_threshold: 3
//		cooldown:          "60s"
//	}
//
//	store: {
//		path:       "/var/lib/pathrunner/ledger.db"
//		warm_start: "1h"
//	}
//
//	paths: [{
//		name:     "local"
//		kind:     "inprocess"
//		priority: 0
//		timeout:  "2s"
//		inprocess: function: "restart_service"
//	}, {
//		name:     "remote"
//		kind:     "ssh"
//		priority: 10
//		timeout:  "30s"
//		ssh: {
//			target: {host: "web-1", user: "ops"}
//			command: "systemctl restart {{quote .Params.service}}"
//		}
//	}]
//
//	escalation: sinks: [{name: "log", type: "log"}, {name: "db", type: "store"}]
//
// # Loading and reloading
//
//	parser, err := config.NewParser()
//	cfg, err := parser.Load("pathrunner.cue")
//	specs, err := cfg.PathSpecs()
//
// Parser.Watch reloads the file after it changes and hands every valid
// revision to a callback; invalid edits are logged and ignored.
package config
