package ir

// Version constants recorded on every ProcessNode.
const (
	// SchemaVersion is the attribute schema version.
	SchemaVersion = "1"

	// EngineVersion is the provflow engine version.
	EngineVersion = "0.1.0"
)
