package config

import "fmt"

// CurrentVersion is the configuration format this build reads. Load treats
// an omitted version as CurrentVersion.
const CurrentVersion = 1

const (
	versionInvalid = "invalid"
	versionNewer   = "newer than this build"
)

// VersionError reports a configuration file this build cannot read.
type VersionError struct {
	Version int
	Current int
	Reason  string
}

func (e *VersionError) Error() string {
	if e.Reason == versionNewer {
		return fmt.Sprintf("config version %d is newer than this build (supports %d); upgrade parley", e.Version, e.Current)
	}
	return fmt.Sprintf("config version %d is %s (supports %d)", e.Version, e.Reason, e.Current)
}

// ValidateVersion accepts only CurrentVersion. There are no older formats to
// migrate from yet.
func ValidateVersion(version int) error {
	switch {
	case version == CurrentVersion:
		return nil
	case version > CurrentVersion:
		return &VersionError{Version: version, Current: CurrentVersion, Reason: versionNewer}
	default:
		return &VersionError{Version: version, Current: CurrentVersion, Reason: versionInvalid}
	}
}
