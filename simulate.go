package ridecore

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
)

// Simulate generates synthetic riders. Frames are marshaled to the
// serial wire format and pushed through the normal ingest path, so
// simulate mode exercises the normalizer and derivation engine, not
// just the store.
func (c *Core) Simulate(ctx context.Context, userIDs []string) {
	for _, id := range userIDs {
		go c.simulateRider(ctx, id)
	}
}

func (c *Core) simulateRider(ctx context.Context, userID string) {
	go c.simulateScalar(ctx, userID, "heart_rate", 60, 180, 2, 500*time.Millisecond)
	go c.simulateScalar(ctx, userID, "breath_frequency", 12, 40, 1, time.Second)
	go c.simulateScalar(ctx, userID, "acceleration_x", 8, 12, 0.2, 200*time.Millisecond)

	// a slow wander around the start point
	lat, lon := 48.85, 2.35
	speed := 0.0
	down := false
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if down {
			speed -= 0.5
		} else {
			speed += 0.5
		}
		if speed <= 0 {
			down = false
		} else if speed >= 12 {
			down = true
		}
		lat += 0.0001
		lon += 0.0001
		c.pushWireFrame(userID, "gps_fix", []float64{lat, lon, 35, 5, speed, 90})
	}
}

func (c *Core) simulateScalar(ctx context.Context, userID, tag string, low, high, step float64, interval time.Duration) {
	v := low
	down := false
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		c.pushWireFrame(userID, tag, []float64{v})
		if down {
			v -= step
		} else {
			v += step
		}
		if v <= low {
			down = false
		} else if v >= high {
			down = true
		}
	}
}

func (c *Core) pushWireFrame(userID, tag string, values []float64) {
	frame := map[string]interface{}{
		"date":        time.Now().UnixMilli(),
		"measureType": tag,
		"value":       values,
	}
	// serial contract carries integer user ids
	if n, err := strconv.ParseInt(userID, 10, 64); err == nil {
		frame["userId"] = n
	} else {
		frame["userId"] = userID
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		log.WithError(err).Error("unable to marshal simulated frame")
		return
	}
	select {
	case c.frames <- payload:
	default:
	}
}
