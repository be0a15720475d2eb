package types

import "regexp"

// FUNCTIONAL DISCOVERY: Regex compiled once at package initialization
// for better performance in high-frequency validation scenarios
var idRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// IsValidID checks if a user or campus ID meets format requirements.
// The 1-50 character limit keeps IDs usable as header values and cache keys.
func IsValidID(id string) bool {
	if len(id) < 1 || len(id) > 50 {
		return false
	}
	return idRegex.MatchString(id)
}

// IsValidRadius checks a radius against the supported discovery radii.
func IsValidRadius(radiusM int, radii []int) bool {
	for _, r := range radii {
		if radiusM == r {
			return true
		}
	}
	return false
}

// Validate ensures a position carries plausible coordinates.
// ARCHITECTURAL DISCOVERY: Validation at type level ensures consistency
// across all components without duplicating validation logic
func (p *Position) Validate() error {
	if p.Latitude < -90 || p.Latitude > 90 || p.Longitude < -180 || p.Longitude > 180 {
		return ErrInvalidCoordinates
	}
	return nil
}

// Validate ensures a heartbeat payload is complete enough to send.
func (h *HeartbeatRequest) Validate() error {
	if !IsValidID(h.CampusID) {
		return ErrInvalidCampusID
	}
	if h.Lat < -90 || h.Lat > 90 || h.Lon < -180 || h.Lon > 180 {
		return ErrInvalidCoordinates
	}
	return nil
}

// Normalize fills defaults on a nearby user received from the wire.
// FUNCTIONAL DISCOVERY: Invite status defaulting happens here so every
// accumulator path sees a fully populated record
func (u *NearbyUser) Normalize() {
	if u.InviteStatus == "" {
		u.InviteStatus = InviteNone
	}
}
