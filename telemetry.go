package ridecore

import (
	"time"
)

// SampleKind identifies the measurement carried by a SensorSample.
type SampleKind int

const (
	KindUnknown SampleKind = iota
	KindHeartRate
	KindBreathFrequency
	KindBeatInterval
	KindAccelerationX
	KindAccelerationY
	KindAccelerationZ
	KindGPSFix
	KindPhoneSpeed
)

var kindNames = map[SampleKind]string{
	KindUnknown:         "unknown",
	KindHeartRate:       "heart_rate",
	KindBreathFrequency: "breath_frequency",
	KindBeatInterval:    "beat_interval",
	KindAccelerationX:   "acceleration_x",
	KindAccelerationY:   "acceleration_y",
	KindAccelerationZ:   "acceleration_z",
	KindGPSFix:          "gps_fix",
	KindPhoneSpeed:      "phone_speed",
}

func (k SampleKind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// isMotion reports whether the kind indicates the rider is moving.
func (k SampleKind) isMotion() bool {
	switch k {
	case KindAccelerationX, KindAccelerationY, KindAccelerationZ, KindGPSFix, KindPhoneSpeed:
		return true
	}
	return false
}

// GPSFix is a single positioning result. Latitude and longitude are
// mandatory; the remaining fields are nil when the provider did not
// report them. Speed is in m/s, bearing in degrees, altitude in meters.
type GPSFix struct {
	Latitude  float64
	Longitude float64
	Altitude  *float64
	Accuracy  *float64
	Speed     *float64
	Bearing   *float64
	Timestamp time.Time
}

// SensorSample is the canonical record every transport is normalized
// into. Values holds the numeric readings for scalar kinds; Fix is set
// only when Kind is KindGPSFix. Samples are immutable once constructed.
type SensorSample struct {
	UserID    string
	Timestamp time.Time
	Kind      SampleKind
	Values    []float64
	Fix       *GPSFix
}

// UserLiveState is the latest known state for one user. Exactly one
// instance exists per active user id, owned by the Store; speed is kept
// in m/s and converted to km/h only at the delivery boundary.
type UserLiveState struct {
	UserID          string
	DisplayName     string
	HeartRate       float64
	BreathFrequency float64
	HRV             float64
	Intensity       float64
	Speed           float64
	LastGPSFix      *GPSFix
	LastUpdated     time.Time
	LastUpdatedBy   SampleKind
}

// SpeedKmh converts the resolved speed for display-layer consumption.
func (s *UserLiveState) SpeedKmh() float64 {
	return s.Speed * 3.6
}

// LivenessStatus classifies how recently a user produced data.
type LivenessStatus int

const (
	Offline LivenessStatus = iota
	Riding
	Online
)

func (l LivenessStatus) String() string {
	switch l {
	case Online:
		return "online"
	case Riding:
		return "riding"
	}
	return "offline"
}

const (
	onlineWindow = 5 * time.Minute
	ridingWindow = 15 * time.Minute
)

// Liveness derives the status from the sample age at the given instant.
// Under 5 minutes the user is Online, or Riding when the most recent
// sample indicates motion; under 15 minutes Riding; otherwise Offline.
// The boundaries themselves fall into the older bucket: exactly 5
// minutes is Riding, exactly 15 minutes is Offline.
func (s *UserLiveState) Liveness(now time.Time) LivenessStatus {
	if s.LastUpdated.IsZero() {
		return Offline
	}
	age := now.Sub(s.LastUpdated)
	switch {
	case age < onlineWindow:
		if s.Speed > 0 || s.LastUpdatedBy.isMotion() {
			return Riding
		}
		return Online
	case age < ridingWindow:
		return Riding
	default:
		return Offline
	}
}
