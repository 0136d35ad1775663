package ridecore

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ridelink/ridecore/gpsource"
	"github.com/ridelink/ridecore/mqttlink"
	"github.com/ridelink/ridecore/serialink"
)

const (
	ingestBufferSize = 64
	displayNameTTL   = 10 * time.Minute
)

// Core wires the transport adapters to the normalizer, derivation
// engine, store and hub, and owns their lifecycles. Construct one with
// NewCore and drive it with Run; there are no package-level instances.
type Core struct {
	cfg       Config
	directory Directory
	store     *Store
	hub       *Hub
	engine    *DerivationEngine
	names     *nameCache
	stats     *CoreStats
	pubsub    *mqttlink.Client
	serial    *serialink.Source

	frames   chan []byte
	messages chan mqttlink.Message

	mu          sync.Mutex
	sessions    map[string]*Session
	subWatches  map[string][]string
	watchCounts map[string]int
}

func NewCore(cfg Config, directory Directory) *Core {
	c := &Core{
		cfg:         cfg,
		directory:   directory,
		store:       NewStore(),
		hub:         NewHub(),
		engine:      NewDerivationEngine(),
		names:       newNameCache(directory, displayNameTTL),
		stats:       &CoreStats{},
		frames:      make(chan []byte, ingestBufferSize),
		messages:    make(chan mqttlink.Message, ingestBufferSize),
		sessions:    make(map[string]*Session),
		subWatches:  make(map[string][]string),
		watchCounts: make(map[string]int),
	}
	c.pubsub = mqttlink.New(cfg.MQTT, c.messages, func(err error) {
		log.WithError(err).Warn("pub/sub transport error")
	})
	// the serial link is a process-wide resource: frames carry their own
	// user ids, so one listener serves every session
	if cfg.Serial.Listen != "" || cfg.Serial.Device != "" {
		c.serial = serialink.New(cfg.Serial, c.frames)
	}
	c.hub.OnDrop = c.releaseWatches
	return c
}

func (c *Core) Store() *Store {
	return c.store
}

func (c *Core) Stats() StatsSnapshot {
	return c.stats.snapshot()
}

// Run processes ingested messages until the context ends. The pub/sub
// client and the serial link are kept connected for as long as Run
// lives; positioning adapters are tied to sessions instead.
func (c *Core) Run(ctx context.Context) error {
	if c.cfg.MQTT.Broker != "" {
		go func() {
			if err := retry(ctx, c.pubsub); err != nil && err != context.Canceled {
				log.WithError(err).Error("pubsub done")
			}
		}()
	}
	if c.serial != nil {
		go func() {
			if err := retry(ctx, c.serial); err != nil && err != context.Canceled {
				log.WithError(err).Error("serial done")
			}
		}()
	}
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case frame := <-c.frames:
			c.ingest(frame, SourceSerial)
		case msg := <-c.messages:
			c.ingestBroker(msg)
		}
	}
}

func (c *Core) shutdown() {
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
	c.hub.Close()
	c.pubsub.Close()
}

func (c *Core) ingest(payload []byte, source SourceType) {
	sample, err := Normalize(payload, source)
	if err != nil {
		c.stats.SamplesDropped.Add(1)
		if errors.Cause(err) == ErrUnknownKind {
			c.stats.UnknownKinds.Add(1)
		}
		log.WithError(err).Debug("sample dropped")
		return
	}
	c.apply(sample)
}

func (c *Core) ingestBroker(msg mqttlink.Message) {
	sample, err := Normalize(msg.Payload, SourcePubSub)
	if err != nil {
		c.stats.SamplesDropped.Add(1)
		if errors.Cause(err) == ErrUnknownKind {
			c.stats.UnknownKinds.Add(1)
		}
		log.WithError(err).Debug("broker sample dropped")
		return
	}
	if topicUser := mqttlink.UserFromTopic(msg.Topic); topicUser != "" && topicUser != sample.UserID {
		c.stats.SamplesDropped.Add(1)
		log.WithFields(log.Fields{
			"topic":  msg.Topic,
			"userId": sample.UserID,
		}).Warn("broker sample dropped, topic/payload user mismatch")
		return
	}
	c.apply(sample)
}

// apply runs one sample through derivation, the store and the hub.
func (c *Core) apply(sample SensorSample) {
	up := c.engine.Update(sample)
	name := c.names.displayName(sample.UserID)
	up.DisplayName = &name
	state := c.store.Upsert(sample.UserID, up)
	c.hub.Publish(state)
	c.stats.SamplesIngested.Add(1)
}

// Subscribe registers a presentation-layer subscriber for the given
// user ids. Each id is also watched on the broker so remote users'
// samples start flowing; watches are reference-counted across
// subscriptions and released when the last subscriber goes away.
func (c *Core) Subscribe(userIDs ...string) (string, <-chan Notification) {
	id, ch := c.hub.Subscribe(userIDs...)
	c.mu.Lock()
	c.subWatches[id] = userIDs
	for _, uid := range userIDs {
		c.watchCounts[uid]++
	}
	c.mu.Unlock()
	if c.cfg.MQTT.Broker != "" {
		for _, uid := range userIDs {
			if err := c.pubsub.WatchUser(uid); err != nil {
				log.WithError(err).WithField("userId", uid).Warn("broker watch failed")
			}
		}
	}
	return id, ch
}

// SubscribeTeam resolves the team through the user directory and
// subscribes to every member.
func (c *Core) SubscribeTeam(teamID string) (string, <-chan Notification, error) {
	members, err := c.directory.TeamMembers(teamID)
	if err != nil {
		return "", nil, errors.Wrapf(err, "unable to resolve team %s", teamID)
	}
	id, ch := c.Subscribe(members...)
	return id, ch, nil
}

// Unsubscribe ends a subscription and releases its broker watches.
func (c *Core) Unsubscribe(id string) {
	c.hub.Unsubscribe(id)
	c.releaseWatches(id)
}

func (c *Core) releaseWatches(id string) {
	c.mu.Lock()
	users := c.subWatches[id]
	delete(c.subWatches, id)
	var unwatch []string
	for _, uid := range users {
		c.watchCounts[uid]--
		if c.watchCounts[uid] <= 0 {
			delete(c.watchCounts, uid)
			unwatch = append(unwatch, uid)
		}
	}
	c.mu.Unlock()
	if c.cfg.MQTT.Broker == "" {
		return
	}
	for _, uid := range unwatch {
		if err := c.pubsub.UnwatchUser(uid); err != nil {
			log.WithError(err).WithField("userId", uid).Warn("broker unwatch failed")
		}
	}
}

// Session is one local rider's active ride: the phone's positioning
// source, attributing fixes to the session user. The serial link is not
// session-scoped; it lives with the core. Closing the session stops the
// positioning adapter and removes the user's live state.
type Session struct {
	userID string
	core   *Core
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// StartSession starts the per-session adapters. Starting a session for
// a user that already has one returns the existing session.
func (c *Core) StartSession(ctx context.Context, userID string, provider gpsource.Provider) *Session {
	c.mu.Lock()
	if existing, ok := c.sessions[userID]; ok {
		c.mu.Unlock()
		return existing
	}
	sessCtx, cancel := context.WithCancel(ctx)
	sess := &Session{
		userID: userID,
		core:   c,
		cancel: cancel,
	}
	c.sessions[userID] = sess
	c.mu.Unlock()

	if provider != nil {
		c.startPositioning(sessCtx, sess, provider)
	}
	return sess
}

func (c *Core) startPositioning(ctx context.Context, sess *Session, provider gpsource.Provider) {
	fixes := make(chan gpsource.Fix, ingestBufferSize)
	src := gpsource.New(provider, c.cfg.GPS.MinInterval(), fixes)
	if err := src.Open(); err != nil {
		// permission denial is reported once and the adapter stays
		// stopped; everything else goes through the retry loop below
		if errors.Cause(err) == gpsource.ErrPermissionDenied {
			log.WithField("userId", sess.userID).Warn("positioning unavailable: permission denied")
			return
		}
	}

	sess.wg.Add(2)
	go func() {
		defer sess.wg.Done()
		if err := retry(ctx, src); err != nil && err != context.Canceled {
			log.WithError(err).Error("gps done")
		}
	}()
	go func() {
		defer sess.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case fix := <-fixes:
				c.apply(SampleFromFix(sess.userID, GPSFix{
					Latitude:  fix.Latitude,
					Longitude: fix.Longitude,
					Altitude:  fix.Altitude,
					Accuracy:  fix.Accuracy,
					Speed:     fix.Speed,
					Bearing:   fix.Bearing,
					Timestamp: fix.Timestamp,
				}))
			}
		}
	}()
}

// Close cancels the session's adapters, waits for them to let go of
// their handles, and garbage-collects the user's live state.
func (s *Session) Close() {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.core.mu.Lock()
		delete(s.core.sessions, s.userID)
		s.core.mu.Unlock()
		s.core.store.Remove(s.userID)
		s.core.engine.Remove(s.userID)
	})
}
