package rules

import (
	"encoding/json"
)

// Built-in kind names.
const (
	KindLgvMovement        = "LgvMovementRule"
	KindDoorSensor         = "DoorSensorRule"
	KindShipment           = "ShipmentRule"
	KindFault              = "FaultRule"
	KindService            = "ServiceRule"
	KindManualIntervention = "ManualInterventionRule"
	KindLoadingOverrun     = "LoadingOverrunRule"
	KindHeartbeat          = "HeartbeatRule"
)

const durationSchema = `{"oneOf": [
  {"type": "string", "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|ms|s|m|h))+$|^[0-9]+$"},
  {"type": "integer", "minimum": 1}
]}`

func objectSchema(properties string, required ...string) string {
	req := ""
	if len(required) > 0 {
		b, _ := json.Marshal(required)
		req = `"required": ` + string(b) + `, `
	}
	return `{"$schema": "http://json-schema.org/draft-07/schema#", "type": "object", "additionalProperties": false, ` +
		req + `"properties": {` + properties + `}}`
}

func builtinKinds() []Kind {
	return []Kind{
		{
			Name:        KindLgvMovement,
			Description: "Tracks LGV approach, arrival and departure; watches for long dwell.",
			Schema:      objectSchema(`"dwell_threshold": `+durationSchema, "dwell_threshold"),
			New:         newLgvMovementRule,
		},
		{
			Name:        KindDoorSensor,
			Description: "Door open/close sensor; arms a stuck-open watch on every open.",
			Schema:      objectSchema(`"stuck_open_after": `+durationSchema, "stuck_open_after"),
			New:         newDoorSensorRule,
		},
		{
			Name:        KindShipment,
			Description: "Completes loading on shipment scan and records the dwell; flags shipments at busy or unready doors.",
			Schema: objectSchema(
				`"record_kind": {"type": "string", "minLength": 1}, `+
					`"previous_load_record_kind": {"type": "string", "minLength": 1}, `+
					`"previous_load_alert": {"type": "boolean"}, `+
					`"not_ready_alert": {"type": "boolean"}`),
			New:         newShipmentRule,
		},
		{
			Name:        KindFault,
			Description: "Moves doors to Anomaly on fault codes and escalates repeated faults.",
			Schema: objectSchema(
				`"out_of_service_after": {"type": "integer", "minimum": 1}, `+
					`"ignore_codes": {"type": "array", "items": {"type": "string"}}, `+
					`"reminder_after": `+durationSchema,
				"out_of_service_after"),
			New: newFaultRule,
		},
		{
			Name:        KindService,
			Description: "Suspends and resumes doors; reminds while a door stays suspended.",
			Schema:      objectSchema(`"suspended_after": `+durationSchema, "suspended_after"),
			New:         newServiceRule,
		},
		{
			Name:        KindManualIntervention,
			Description: "Flags a door opened with no LGV assigned.",
			Schema:      objectSchema(`"record_kind": {"type": "string", "minLength": 1}`),
			New:         newManualInterventionRule,
		},
		{
			Name:        KindLoadingOverrun,
			Description: "Watches doors that entered Loading for shipment delay.",
			Schema:      objectSchema(`"max_loading": `+durationSchema, "max_loading"),
			New:         newLoadingOverrunRule,
		},
		{
			Name:        KindHeartbeat,
			Description: "Acknowledges heartbeats at debug level.",
			Schema:      objectSchema(``),
			New:         newHeartbeatRule,
		},
	}
}

// named carries the configured rule name.
type named struct {
	name string
}

func (n named) Name() string { return n.name }
