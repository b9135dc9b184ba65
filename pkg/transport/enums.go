package transport

// ConnectorType identifies a connector implementation.
type ConnectorType int

const (
	// ConnectorTypeUnknown is the zero value for unknown connectors.
	ConnectorTypeUnknown ConnectorType = iota
	// ConnectorTypeHTTP talks to yubihsm-connector over HTTP.
	ConnectorTypeHTTP
	// ConnectorTypeUSB talks to the device over USB bulk transfers.
	ConnectorTypeUSB
	// ConnectorTypePipe talks to an in-memory peer.
	ConnectorTypePipe
)

// String returns the string representation of the connector type.
func (t ConnectorType) String() string {
	switch t {
	case ConnectorTypeHTTP:
		return "http"
	case ConnectorTypeUSB:
		return "usb"
	case ConnectorTypePipe:
		return "pipe"
	default:
		return "unknown"
	}
}

// IsValid returns true if the connector type is a known valid type.
func (t ConnectorType) IsValid() bool {
	return t >= ConnectorTypeHTTP && t <= ConnectorTypePipe
}

// ParseConnectorType parses the string form of a connector type.
func ParseConnectorType(s string) ConnectorType {
	switch s {
	case "http":
		return ConnectorTypeHTTP
	case "usb":
		return ConnectorTypeUSB
	case "pipe":
		return ConnectorTypePipe
	default:
		return ConnectorTypeUnknown
	}
}
