package signaling

import (
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/confab-dev/confab/internal/clock"
	"github.com/confab-dev/confab/internal/domain"
	"github.com/confab-dev/confab/internal/exchange"
	"github.com/confab-dev/confab/internal/metrics"
	"github.com/confab-dev/confab/internal/storage"
)

// ModuleContext is what a module sees of its runner for one dispatched
// event. Outgoing client messages and exchange publishes queue up and
// flush atomically after the handler returns; the timestamp is fixed at
// dispatch.
type ModuleContext struct {
	r  *Runner
	id ModuleID
	ts time.Time
}

func (c *ModuleContext) ParticipantID() domain.ParticipantID { return c.r.participant }
func (c *ModuleContext) UserID() domain.UserID               { return c.r.userID }
func (c *ModuleContext) Kind() domain.ParticipantKind        { return c.r.kind }
func (c *ModuleContext) DisplayName() string                 { return c.r.displayName }
func (c *ModuleContext) Role() domain.Role                   { return c.r.role }
func (c *ModuleContext) Room() domain.SignalingRoom          { return c.r.room }
func (c *ModuleContext) RoomMeta() *domain.RoomMeta          { return c.r.roomMeta }

// Timestamp is the wall clock captured when the triggering input was
// dequeued; every outgoing event of this dispatch carries it.
func (c *ModuleContext) Timestamp() time.Time { return c.ts }

func (c *ModuleContext) Storage() storage.Store     { return c.r.deps.Store }
func (c *ModuleContext) Metrics() *metrics.Registry { return c.r.deps.Metrics }
func (c *ModuleContext) Clock() clock.Clock         { return c.r.deps.Clock }

func (c *ModuleContext) Logger() *zerolog.Logger {
	logger := c.r.log.With().Str("module", string(c.id)).Logger()
	return &logger
}

// WsSend queues an outgoing event for this module's namespace.
func (c *ModuleContext) WsSend(payload any) {
	data, err := encodeServerEnvelope(c.id, c.ts, payload)
	if err != nil {
		c.Logger().Error().Err(err).Msg("dropping unencodable outgoing event")
		return
	}
	c.r.pendingWs = append(c.r.pendingWs, data)
}

// WsSendError queues the uniform error frame with a module error code.
func (c *ModuleContext) WsSendError(code string) {
	c.WsSend(errorPayload(code))
}

// ExchangePublish queues a publish of payload under this module's
// namespace on an arbitrary routing key.
func (c *ModuleContext) ExchangePublish(key string, payload any) {
	c.publishNamespaced(c.id, key, payload)
}

// ExchangePublishRoom publishes on the signaling-room key.
func (c *ModuleContext) ExchangePublishRoom(payload any) {
	c.publishNamespaced(c.id, exchange.RoomKey(c.r.room), payload)
}

// ExchangePublishParent publishes on the parent-room key, reaching every
// breakout.
func (c *ModuleContext) ExchangePublishParent(payload any) {
	c.publishNamespaced(c.id, exchange.ParentRoomKey(c.r.room.Room), payload)
}

// ExchangePublishParticipant publishes directly to one participant.
func (c *ModuleContext) ExchangePublishParticipant(p domain.ParticipantID, payload any) {
	c.publishNamespaced(c.id, exchange.ParticipantKey(c.r.room.Room, p), payload)
}

// ExchangePublishToNamespace publishes under another module's namespace;
// the control module uses it for lifecycle signals on behalf of the
// runner.
func (c *ModuleContext) ExchangePublishToNamespace(module ModuleID, key string, payload any) {
	c.publishNamespaced(module, key, payload)
}

func (c *ModuleContext) publishNamespaced(module ModuleID, key string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		c.Logger().Error().Err(err).Msg("dropping unencodable exchange payload")
		return
	}
	data, err := exchange.EncodeEnvelope(&exchange.Envelope{
		Module:    string(module),
		Timestamp: c.ts,
		Payload:   raw,
	})
	if err != nil {
		c.Logger().Error().Err(err).Msg("dropping unencodable exchange envelope")
		return
	}
	c.r.pendingPub = append(c.r.pendingPub, pendingPublish{key: key, data: data})
}

// SignalControl queues a control-namespace lifecycle signal on key. The
// moderation module uses it to kick, ban, accept and debrief; the
// control module uses it for the closes-at broadcast.
func (c *ModuleContext) SignalControl(key string, action ControlAction, target domain.ParticipantID) {
	c.publishNamespaced(ControlModuleID, key, controlSignal{
		Action:      action,
		Participant: target,
		Issuer:      c.r.participant,
	})
}

// BindKeys adds routing keys to the runner's subscription; the breakout
// module re-homes sessions with it.
func (c *ModuleContext) BindKeys(keys ...string) error {
	return c.r.sub.Bind(c.r.ctx, keys...)
}

func (c *ModuleContext) UnbindKeys(keys ...string) error {
	return c.r.sub.Unbind(c.r.ctx, keys...)
}

// AddEventStream merges an external stream into the runner's loop. Each
// received value comes back to this module as an ExtEvent. The stream
// must be closed by its producer; the runner drains it until then.
func (c *ModuleContext) AddEventStream(stream <-chan any) {
	c.r.addEventStream(c.id, stream)
}

// InvalidateData asks the runner to broadcast a roster update for this
// participant after the handler returns.
func (c *ModuleContext) InvalidateData() { c.r.invalidate = true }

// Exit ends the session after the current dispatch with the given
// reason; the destroy sequence still runs.
func (c *ModuleContext) Exit(reason CloseReason) {
	c.r.exiting = true
	c.r.exitReason = reason
}
