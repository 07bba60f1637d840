package domain

// StepStatus is the status of a single pipeline step transition.
type StepStatus string

const (
	StepStart   StepStatus = "start"
	StepSuccess StepStatus = "success"
	StepError   StepStatus = "error"
)

// Pipeline step names, in execution order.
const (
	StepValidating         = "validating"
	StepBuildingCut        = "building_cut"
	StepAuthorizing        = "authorizing"
	StepSubmittingCreation = "submitting_creation"
	StepConfirming         = "confirming"
	StepResolvingEvent     = "resolving_event"
	StepRepairingSelectors = "repairing_selectors"
	StepGrantingRoles      = "granting_roles"
	StepPersisting         = "persisting"
	StepDone               = "done"
	StepFailed             = "failed"
)

// PipelineStep is one entry of the append-only pipeline log.
// Corresponds to pipeline_steps table in ClickHouse.
type PipelineStep struct {
	PipelineID  string
	Seq         int    // position in the run's log, starting at 0
	Name        string // step name
	Status      StepStatus
	TimestampMs int64
	Payload     map[string]any
}

// Clone returns a copy that shares no mutable state with s.
func (s PipelineStep) Clone() PipelineStep {
	c := s
	if s.Payload != nil {
		c.Payload = make(map[string]any, len(s.Payload))
		for k, v := range s.Payload {
			c.Payload[k] = v
		}
	}
	return c
}
