package ridecore

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// SourceType identifies which transport a raw message arrived on.
type SourceType int

const (
	SourceSerial SourceType = iota
	SourcePubSub
	SourcePositioning
)

func (s SourceType) String() string {
	switch s {
	case SourceSerial:
		return "serial"
	case SourcePubSub:
		return "pubsub"
	case SourcePositioning:
		return "positioning"
	}
	return "unknown"
}

var (
	ErrUnknownKind = errors.New("unknown measure type")
	ErrBadPayload  = errors.New("malformed payload")
	ErrEmptyValues = errors.New("empty value array")
)

var kindByTag = map[string]SampleKind{
	"heart_rate":       KindHeartRate,
	"breath_frequency": KindBreathFrequency,
	"beat_interval":    KindBeatInterval,
	"r2r":              KindBeatInterval,
	"acceleration_x":   KindAccelerationX,
	"acceleration_y":   KindAccelerationY,
	"acceleration_z":   KindAccelerationZ,
	"gps_fix":          KindGPSFix,
	"phone_speed":      KindPhoneSpeed,
}

// wireUserID accepts both the serial contract (integer) and the pub/sub
// contract (string) and canonicalizes to a string.
type wireUserID string

func (u *wireUserID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*u = wireUserID(s)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*u = wireUserID(strconv.FormatInt(n, 10))
	return nil
}

// wireFrame is the logical message shared by the serial and pub/sub
// wire contracts: {"date": epoch millis, "userId": ..., "measureType":
// ..., "value": [...]}.
type wireFrame struct {
	Date        *int64     `json:"date"`
	UserID      wireUserID `json:"userId"`
	MeasureType string     `json:"measureType"`
	Value       []float64  `json:"value"`
}

// Normalize converts a raw transport payload into a canonical
// SensorSample. Parsing is strict: the measure type must resolve to a
// known kind and scalar kinds must carry at least one value. Numbers
// are guaranteed finite by the JSON parser itself, which rejects
// NaN/Inf tokens and out-of-range exponents. Rejected payloads are
// reported as errors and never produce a sample.
func Normalize(payload []byte, source SourceType) (SensorSample, error) {
	var frame wireFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return SensorSample{}, errors.Wrapf(ErrBadPayload, "%s: %v", source, err)
	}
	if frame.Date == nil {
		return SensorSample{}, errors.Wrapf(ErrBadPayload, "%s: missing date", source)
	}
	if frame.UserID == "" {
		return SensorSample{}, errors.Wrapf(ErrBadPayload, "%s: missing userId", source)
	}
	kind, ok := kindByTag[frame.MeasureType]
	if !ok {
		return SensorSample{}, errors.Wrapf(ErrUnknownKind, "%s: %q", source, frame.MeasureType)
	}
	if len(frame.Value) == 0 {
		return SensorSample{}, errors.Wrapf(ErrEmptyValues, "%s: %s", source, kind)
	}

	sample := SensorSample{
		UserID:    string(frame.UserID),
		Timestamp: time.UnixMilli(*frame.Date),
		Kind:      kind,
	}
	if kind == KindGPSFix {
		fix, err := fixFromValues(frame.Value, sample.Timestamp)
		if err != nil {
			return SensorSample{}, errors.Wrapf(err, "%s", source)
		}
		sample.Fix = fix
	} else {
		sample.Values = frame.Value
	}
	return sample, nil
}

// fixFromValues decodes a wire gps_fix value array. The layout is
// [lat, lon, altitude, accuracy, speed, bearing] with everything after
// lon optional.
func fixFromValues(values []float64, ts time.Time) (*GPSFix, error) {
	if len(values) < 2 {
		return nil, errors.Wrap(ErrBadPayload, "gps_fix needs lat and lon")
	}
	fix := &GPSFix{
		Latitude:  values[0],
		Longitude: values[1],
		Timestamp: ts,
	}
	opt := []**float64{&fix.Altitude, &fix.Accuracy, &fix.Speed, &fix.Bearing}
	for i, v := range values[2:] {
		if i >= len(opt) {
			break
		}
		v := v
		*opt[i] = &v
	}
	return fix, nil
}

// SampleFromFix wraps a positioning result for the given user. The
// positioning transport hands over structured fixes, so no parsing is
// needed, only attribution.
func SampleFromFix(userID string, fix GPSFix) SensorSample {
	f := fix
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now()
	}
	return SensorSample{
		UserID:    userID,
		Timestamp: f.Timestamp,
		Kind:      KindGPSFix,
		Fix:       &f,
	}
}
