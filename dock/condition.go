package dock

// ConditionKind names a deferred check the monitoring worker re-evaluates.
type ConditionKind string

const (
	ConditionDoorStuckOpen ConditionKind = "door_stuck_open"
	ConditionLgvDwell      ConditionKind = "lgv_dwell"
	ConditionShipmentDelay ConditionKind = "shipment_delay"
	ConditionOutOfService  ConditionKind = "door_out_of_service"
)

func (k ConditionKind) String() string { return string(k) }
