package config

type SessionConfig struct {
	// Store is "file" (default) or "memory".
	Store string `yaml:"store"`

	// Dir holds session records for the file store.
	Dir string `yaml:"dir"`

	// DefaultWorkspace is used when a request names no workspace.
	DefaultWorkspace string `yaml:"default_workspace"`

	Scoping SessionScopeConfig `yaml:"scoping"`
}

// SessionScopeConfig controls how channel conversations map to sessions.
type SessionScopeConfig struct {
	// DMScope controls how DM sessions are scoped:
	// - "per-channel-peer": separate session per channel+peer combination (default)
	// - "per-peer": separate session per identity-resolved peer
	// - "main": all DMs share one session
	DMScope string `yaml:"dm_scope"`

	// IdentityLinks maps canonical IDs to platform-specific peer IDs.
	// Format: canonical_id -> ["provider:peer_id", "provider:peer_id", ...]
	IdentityLinks map[string][]string `yaml:"identity_links"`
}
