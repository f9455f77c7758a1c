// Package rules builds analysis rules from configuration.
//
// A rule document is an ordered list of {name, kind, enabled, parameters}
// entries in JSON or YAML. The Factory maps each kind to a constructor,
// checks parameters against the kind's JSON Schema and decodes them
// strictly. The Manager loads the document from a file or a NATS KV key,
// builds the ordered rule list and swaps it into the analyzer on reload.
//
// Order matters: a rule sees the transitions earlier rules made during the
// same pass. A typical document:
//
//	rules:
//	  - name: lgv
//	    kind: LgvMovementRule
//	    parameters: {dwell_threshold: 20m}
//	  - name: door
//	    kind: DoorSensorRule
//	    parameters: {stuck_open_after: 30m}
//	  - name: overrun
//	    kind: LoadingOverrunRule
//	    parameters: {max_loading: 2h}
package rules
