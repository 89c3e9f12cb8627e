package gnss

// Source identifies where a position estimate came from.
type Source int

const (
	SourceNone Source = iota
	SourceCell
	SourceWifi
	SourceGnss
)

func (s Source) String() string {
	switch s {
	case SourceCell:
		return "cell"
	case SourceWifi:
		return "wifi"
	case SourceGnss:
		return "gnss"
	default:
		return "none"
	}
}

// ParseSource maps a wire name to a Source. Unknown names map to SourceNone.
func ParseSource(name string) Source {
	switch name {
	case "cell":
		return SourceCell
	case "wifi":
		return SourceWifi
	case "gnss":
		return SourceGnss
	default:
		return SourceNone
	}
}

// LocationPoint is a single position sample.
type LocationPoint struct {
	Latitude           float64
	Longitude          float64
	Altitude           float64
	Heading            float64
	Speed              float64
	HorizontalAccuracy float64
	VerticalAccuracy   float64
	EpochTime          int64
	Locked             bool
	Stable             bool
	Sources            []Source
}

// State classifies the fix source for the publish matrix.
type State int

const (
	StateDisabled State = iota
	StateOff
	StateError
	StateOnUnlocked
	StateOnLockedUnstable
	StateOnLockedStable
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateOff:
		return "off"
	case StateError:
		return "error"
	case StateOnUnlocked:
		return "unlocked"
	case StateOnLockedUnstable:
		return "locked-unstable"
	case StateOnLockedStable:
		return "locked-stable"
	default:
		return "unknown"
	}
}

// FixSource is the external position source the sampler polls.
type FixSource interface {
	// Powered reports whether the source is up and delivering reports.
	Powered() bool
	// Location returns the latest sample. An error means the source is on
	// but not currently usable.
	Location() (LocationPoint, error)
}
