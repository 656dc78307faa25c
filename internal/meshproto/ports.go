package meshproto

import "fmt"

// PortNum multiplexes the payload type of a mesh packet.
type PortNum int32

const (
	PortUnknown         PortNum = 0
	PortTextMessageApp  PortNum = 1
	PortRemoteHardware  PortNum = 2
	PortPositionApp     PortNum = 3
	PortNodeInfoApp     PortNum = 4
	PortRoutingApp      PortNum = 5
	PortAdminApp        PortNum = 6
	PortWaypointApp     PortNum = 8
	PortTelemetryApp    PortNum = 67
	PortTracerouteApp   PortNum = 70
	PortNeighborInfoApp PortNum = 71
	PortMapReportApp    PortNum = 73
)

var portNames = map[PortNum]string{
	PortUnknown:         "UNKNOWN_APP",
	PortTextMessageApp:  "TEXT_MESSAGE_APP",
	PortRemoteHardware:  "REMOTE_HARDWARE_APP",
	PortPositionApp:     "POSITION_APP",
	PortNodeInfoApp:     "NODEINFO_APP",
	PortRoutingApp:      "ROUTING_APP",
	PortAdminApp:        "ADMIN_APP",
	PortWaypointApp:     "WAYPOINT_APP",
	PortTelemetryApp:    "TELEMETRY_APP",
	PortTracerouteApp:   "TRACEROUTE_APP",
	PortNeighborInfoApp: "NEIGHBORINFO_APP",
	PortMapReportApp:    "MAP_REPORT_APP",
}

// String returns the upstream enum name for known ports, or the numeric
// value for everything else.
func (p PortNum) String() string {
	if name, ok := portNames[p]; ok {
		return name
	}
	return fmt.Sprintf("PORT_%d", int32(p))
}
