package ir

// Version constants for the record format and tool.
const (
	// RecordFormatVersion is the deployment record layout version.
	RecordFormatVersion = "1"

	// ToolVersion is the diamondcut release version.
	ToolVersion = "0.1.0"
)
