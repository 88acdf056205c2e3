package logger

// Component is one of the driver subsystems that can be leveled independently: command,
// topology (SDAM), serverSelection, and connection (CMAP).
type Component string

// Recognized components.
const (
	ComponentCommand         Component = "command"
	ComponentTopology        Component = "topology"
	ComponentServerSelection Component = "serverSelection"
	ComponentConnection      Component = "connection"
)

// OffLevel is the zero Level; no component is logged at this level by default.
const OffLevel = LevelOff

type componentEnvVar string

const (
	componentEnvVarAll             componentEnvVar = "NEBULA_LOG_ALL"
	componentEnvVarCommand         componentEnvVar = "NEBULA_LOG_COMMAND"
	componentEnvVarTopology        componentEnvVar = "NEBULA_LOG_TOPOLOGY"
	componentEnvVarServerSelection componentEnvVar = "NEBULA_LOG_SERVER_SELECTION"
	componentEnvVarConnection      componentEnvVar = "NEBULA_LOG_CONNECTION"
)

var allComponentEnvVars = []componentEnvVar{
	componentEnvVarCommand,
	componentEnvVarTopology,
	componentEnvVarServerSelection,
	componentEnvVarConnection,
}

func (e componentEnvVar) component() Component {
	switch e {
	case componentEnvVarCommand:
		return ComponentCommand
	case componentEnvVarTopology:
		return ComponentTopology
	case componentEnvVarServerSelection:
		return ComponentServerSelection
	case componentEnvVarConnection:
		return ComponentConnection
	default:
		return ""
	}
}

func parseLevel(str string) Level { return ParseLevel(str) }

// ComponentMessage is the capability every structured log message implements: which component it
// belongs to, its human-readable line, and the BSON-ish key/value pairs a LogSink receives.
type ComponentMessage interface {
	Component() Component
	Message() string
	Serialize() []interface{}
}

// CommandMessageDropped stands in for a message that Print dropped because the logger's job buffer
// was full. Print queues it only if a slot is free by then, so observability never blocks the
// command path.
type CommandMessageDropped struct {
	Name      string
	RequestID int64
}

// Component implements ComponentMessage.
func (CommandMessageDropped) Component() Component { return ComponentCommand }

// Message implements ComponentMessage.
func (m CommandMessageDropped) Message() string { return "Command message dropped" }

// Serialize implements ComponentMessage.
func (m CommandMessageDropped) Serialize() []interface{} {
	return []interface{}{"name", m.Name, "requestID", m.RequestID}
}

// TopologyMessage reports a Cluster-level SDAM transition.
type TopologyMessage struct {
	TopologyID string
	Previous   string
	New        string
}

// Component implements ComponentMessage.
func (TopologyMessage) Component() Component { return ComponentTopology }

// Message implements ComponentMessage.
func (m TopologyMessage) Message() string { return "Topology description changed" }

// Serialize implements ComponentMessage.
func (m TopologyMessage) Serialize() []interface{} {
	return []interface{}{"topologyId", m.TopologyID, "previousDescription", m.Previous, "newDescription", m.New}
}

// ServerSelectionMessage reports the outcome of one SelectServer call.
type ServerSelectionMessage struct {
	Operation string
	Selector  string
	Outcome   string
}

// Component implements ComponentMessage.
func (ServerSelectionMessage) Component() Component { return ComponentServerSelection }

// Message implements ComponentMessage.
func (m ServerSelectionMessage) Message() string { return "Server selection " + m.Outcome }

// Serialize implements ComponentMessage.
func (m ServerSelectionMessage) Serialize() []interface{} {
	return []interface{}{"operation", m.Operation, "selector", m.Selector}
}

// ConnectionMessage reports a CMAP lifecycle event.
type ConnectionMessage struct {
	Address string
	Event   string
	Reason  string
}

// Component implements ComponentMessage.
func (ConnectionMessage) Component() Component { return ComponentConnection }

// Message implements ComponentMessage.
func (m ConnectionMessage) Message() string { return m.Event }

// Serialize implements ComponentMessage.
func (m ConnectionMessage) Serialize() []interface{} {
	kv := []interface{}{"serverHost", m.Address}
	if m.Reason != "" {
		kv = append(kv, "reason", m.Reason)
	}
	return kv
}
