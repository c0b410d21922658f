package signaling

import (
	"context"
	"sort"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/confab-dev/confab/internal/auth"
	"github.com/confab-dev/confab/internal/clock"
	"github.com/confab-dev/confab/internal/config"
	"github.com/confab-dev/confab/internal/domain"
	"github.com/confab-dev/confab/internal/exchange"
	"github.com/confab-dev/confab/internal/metrics"
	"github.com/confab-dev/confab/internal/storage"
)

// Deps is everything a runner shares with the rest of the controller.
type Deps struct {
	Store     storage.Store
	Exchange  exchange.Exchange
	Clock     clock.Clock
	Metrics   *metrics.Registry
	Config    *config.Config
	Directory auth.Directory
	Modules   []Registration
}

// Runner is the per-participant session coordinator: one cooperative
// loop multiplexing client messages, exchange deliveries, module event
// streams and the heartbeat. Module handlers run to completion, one at
// a time; runners of the same room coordinate only through the store
// and the exchange.
type Runner struct {
	deps Deps
	id   domain.RunnerID
	conn Conn
	ctx  context.Context
	log  zerolog.Logger

	participant domain.ParticipantID
	kind        domain.ParticipantKind
	userID      domain.UserID
	displayName string
	role        domain.Role
	room        domain.SignalingRoom
	roomMeta    *domain.RoomMeta
	resuming    bool

	sub      exchange.Subscription
	clientCh chan []byte
	extCh    chan extItem
	done     chan struct{}
	limiter  *frameLimiter

	// readExit is written by the read pump before clientCh closes and
	// read by the loop after; the channel close orders the two.
	readExit CloseReason

	modules []loadedModule

	// per-dispatch accumulation, flushed after each handler
	pendingWs  [][]byte
	pendingPub []pendingPublish
	invalidate bool
	exiting    bool
	exitReason CloseReason
}

type loadedModule struct {
	id  ModuleID
	mod Module
}

type extItem struct {
	module ModuleID
	value  any
}

type pendingPublish struct {
	key  string
	data []byte
}

func NewRunner(deps Deps, conn Conn) *Runner {
	regs := append([]Registration(nil), deps.Modules...)
	// Control first; the rest in an order stable across restarts.
	sort.SliceStable(regs, func(i, j int) bool {
		if regs[i].ID == ControlModuleID {
			return regs[j].ID != ControlModuleID
		}
		if regs[j].ID == ControlModuleID {
			return false
		}
		return regs[i].ID < regs[j].ID
	})
	deps.Modules = regs
	id := domain.NewRunnerID()
	return &Runner{
		deps:       deps,
		id:         id,
		conn:       conn,
		log:        log.With().Str("module", "signaling").Str("runner", id.String()).Logger(),
		clientCh:   make(chan []byte, 8),
		extCh:      make(chan extItem, 16),
		done:       make(chan struct{}),
		limiter:    newFrameLimiter(deps.Config.Session.FrameLimit, deps.Config.Session.FrameWindow),
		readExit:   ReasonTimeout,
		exitReason: ReasonLeft,
	}
}

// TariffEnabled reports whether the room owner's plan carries a module.
// An empty feature list means everything is enabled.
func TariffEnabled(t domain.Tariff, id ModuleID) bool {
	if len(t.EnabledModules) == 0 {
		return true
	}
	return t.ModuleEnabled(string(id))
}

// Run drives the session to completion. It returns after the destroy
// sequence; the connection is closed either way.
func (r *Runner) Run(ctx context.Context) {
	r.ctx = ctx
	defer close(r.done)
	r.deps.Metrics.Inc(metrics.RunnersStarted)

	if !r.authenticate(ctx) {
		return
	}
	defer r.deps.Metrics.Inc(metrics.RunnersDestroyed)

	go r.readPump()

	if !r.awaitAdmission(ctx) {
		r.destroy(ctx)
		return
	}
	if !r.initModules(ctx) {
		r.destroy(ctx)
		return
	}
	if err := r.join(ctx); err != nil {
		r.log.Error().Err(err).Msg("join failed")
		r.exitReason = ReasonInternalError
		r.destroy(ctx)
		return
	}

	r.loop(ctx)
	r.destroy(ctx)
}

// authenticate consumes the ticket carried by the first client frame
// and reserves the participant id. Any failure closes the channel with
// a join-phase error.
func (r *Runner) authenticate(ctx context.Context) bool {
	first, err := r.conn.ReadMessage()
	if err != nil {
		_ = r.conn.Close(ReasonBadEnvelope)
		return false
	}
	env, err := decodeClientEnvelope(first)
	if err != nil || env.Module != ControlModuleID {
		_ = r.conn.Close(ReasonBadEnvelope)
		return false
	}
	var join joinRequest
	if err := json.Unmarshal(env.Payload, &join); err != nil || join.Action != "join" {
		_ = r.conn.Close(ReasonBadEnvelope)
		return false
	}

	ticket, err := r.deps.Store.TakeTicket(ctx, join.Ticket)
	if err != nil {
		r.log.Error().Err(err).Msg("ticket lookup failed")
		_ = r.conn.Close(ReasonInternalError)
		return false
	}
	if ticket == nil {
		_ = r.conn.Close(ReasonInvalidTicket)
		return false
	}

	acquired, err := r.deps.Store.TryAcquireParticipant(ctx, ticket.ParticipantID, r.id)
	if err != nil {
		r.log.Error().Err(err).Msg("participant lock failed")
		_ = r.conn.Close(ReasonInternalError)
		return false
	}
	if !acquired {
		_ = r.conn.Close(ReasonParticipantInUse)
		return false
	}

	r.participant = ticket.ParticipantID
	r.kind = ticket.Kind
	r.userID = ticket.UserID
	r.displayName = ticket.DisplayName
	r.room = ticket.SignalingRoom()
	r.resuming = ticket.Resuming
	r.log = r.log.With().Str("participant", r.participant.String()).
		Str("room", r.room.String()).Logger()

	meta, err := r.deps.Directory.Room(ctx, r.room.Room)
	if err != nil {
		r.log.Error().Err(err).Msg("room lookup failed")
		r.releaseParticipant(ctx)
		_ = r.conn.Close(ReasonInternalError)
		return false
	}
	r.roomMeta = meta
	switch {
	case !meta.Owner.IsNil() && meta.Owner == r.userID:
		r.role = domain.RoleModerator
	case r.kind == domain.KindUser:
		r.role = domain.RoleUser
	default:
		r.role = domain.RoleGuest
	}

	if !r.userID.IsNil() {
		banned, err := r.deps.Store.IsBanned(ctx, r.room.Room, r.userID)
		if err != nil {
			r.log.Error().Err(err).Msg("ban lookup failed")
		}
		if banned {
			r.releaseParticipant(ctx)
			_ = r.conn.Close(ReasonBanned)
			return false
		}
	}

	// The fresh resumption binding lets this session be reclaimed after
	// a disconnect.
	if _, err := r.deps.Store.SetResumptionIfAbsent(ctx, ticket.Resumption, &domain.ResumptionData{
		ParticipantID: r.participant,
		Kind:          r.kind,
		UserID:        r.userID,
		DisplayName:   r.displayName,
		Room:          r.room.Room,
		Breakout:      r.room.Breakout,
	}, r.deps.Config.Session.ResumptionTTL); err != nil {
		r.log.Error().Err(err).Msg("resumption write failed")
	}

	keys := []string{
		exchange.ParticipantKey(r.room.Room, r.participant),
		exchange.RoomKey(r.room),
	}
	if r.room.InBreakout() {
		keys = append(keys, exchange.ParentRoomKey(r.room.Room))
	}
	sub, err := r.deps.Exchange.Subscribe(ctx, keys...)
	if err != nil {
		r.log.Error().Err(err).Msg("exchange subscribe failed")
		r.releaseParticipant(ctx)
		_ = r.conn.Close(ReasonInternalError)
		return false
	}
	r.sub = sub
	return true
}

// awaitAdmission parks non-moderators in the waiting room until a
// moderator accepts them. Returns false when the session ended while
// waiting.
func (r *Runner) awaitAdmission(ctx context.Context) bool {
	store := r.deps.Store
	enabled, err := store.WaitingRoomEnabled(ctx, r.room.Room)
	if err != nil {
		r.log.Error().Err(err).Msg("waiting room lookup failed")
		return true
	}
	if !enabled && r.roomMeta.WaitingRoomPolicy {
		// First sight of a policy room seeds the flag.
		if n, _ := store.ParticipantCount(ctx, domain.SignalingRoom{Room: r.room.Room}); n == 0 {
			_ = store.SetWaitingRoomEnabled(ctx, r.room.Room, true)
			enabled = true
		}
	}
	if !enabled || r.role.IsModerator() {
		return true
	}
	if accepted, _ := store.AcceptedContains(ctx, r.room.Room, r.participant); accepted {
		return true
	}

	if err := store.WaitingAdd(ctx, r.room.Room, r.participant); err != nil {
		r.log.Error().Err(err).Msg("waiting room add failed")
	}
	ts := r.deps.Clock.Now()
	if data, err := encodeServerEnvelope("moderation", ts, map[string]any{"message": "in_waiting_room"}); err == nil {
		_ = r.conn.WriteMessage(data)
	}
	r.notifyWaitingChange(ctx, ts)

	ticker := r.deps.Clock.NewTicker(r.deps.Config.Session.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case _, ok := <-r.clientCh:
			if !ok {
				_ = r.deps.Store.WaitingRemove(ctx, r.room.Room, r.participant)
				r.exiting = true
				r.exitReason = r.readExit
				return false
			}
			// Clients cannot do anything while waiting.
		case d, ok := <-r.sub.C():
			if !ok {
				r.exiting = true
				r.exitReason = ReasonInternalError
				return false
			}
			env, err := exchange.DecodeEnvelope(d.Data)
			if err != nil || env.Module != string(ControlModuleID) {
				continue
			}
			var sig controlSignal
			if err := json.Unmarshal(env.Payload, &sig); err != nil {
				continue
			}
			switch sig.Action {
			case ActionAccepted:
				if sig.Participant == r.participant {
					_ = store.WaitingRemove(ctx, r.room.Room, r.participant)
					return true
				}
			case ActionKicked, ActionBanned, ActionRoomClosed:
				if sig.Action == ActionRoomClosed || sig.Participant == r.participant {
					_ = store.WaitingRemove(ctx, r.room.Room, r.participant)
					r.exiting = true
					r.exitReason = reasonForSignal(sig.Action)
					return false
				}
			}
		case <-ticker.C():
			_ = r.conn.Ping(r.deps.Clock.Now().Add(10 * time.Second))
		case <-ctx.Done():
			_ = store.WaitingRemove(ctx, r.room.Room, r.participant)
			r.exiting = true
			return false
		}
	}
}

// notifyWaitingChange tells moderators the waiting set changed.
func (r *Runner) notifyWaitingChange(ctx context.Context, ts time.Time) {
	raw, err := json.Marshal(map[string]any{"message": "waiting_room_changed"})
	if err != nil {
		return
	}
	data, err := exchange.EncodeEnvelope(&exchange.Envelope{
		Module: "moderation", Timestamp: ts, Payload: raw,
	})
	if err != nil {
		return
	}
	_ = r.deps.Exchange.Publish(ctx, exchange.ParentRoomKey(r.room.Room), data)
}

func reasonForSignal(action ControlAction) CloseReason {
	switch action {
	case ActionKicked:
		return ReasonKicked
	case ActionBanned:
		return ReasonBanned
	case ActionDebriefed:
		return ReasonDebriefed
	case ActionRoomClosed:
		return ReasonRoomClosed
	default:
		return ReasonLeft
	}
}

func (r *Runner) initModules(ctx context.Context) bool {
	ts := r.deps.Clock.Now()
	params := Params{RoomMeta: r.roomMeta, Resuming: r.resuming}
	for _, reg := range r.deps.Modules {
		if reg.ID != ControlModuleID && !TariffEnabled(r.roomMeta.Tariff, reg.ID) {
			continue
		}
		mctx := &ModuleContext{r: r, id: reg.ID, ts: ts}
		mod, err := reg.Init(ctx, mctx, params)
		if err != nil {
			r.log.Error().Err(err).Str("failed_module", string(reg.ID)).Msg("module init failed")
			r.exitReason = ReasonModuleInitFailed
			r.flush(ctx)
			return false
		}
		if mod == nil {
			continue
		}
		r.modules = append(r.modules, loadedModule{id: reg.ID, mod: mod})
	}
	return true
}

// PeerPayload is one roster entry: a participant and the per-module
// data bag the loaded modules derived from the store.
type PeerPayload struct {
	ID         domain.ParticipantID `json:"id"`
	ModuleData map[ModuleID]any     `json:"module_data"`
}

// JoinSuccessPayload is the initial control event after module init.
type JoinSuccessPayload struct {
	Message       string               `json:"message"`
	ParticipantID domain.ParticipantID `json:"participant_id"`
	Role          domain.Role          `json:"role"`
	DisplayName   string               `json:"display_name"`
	ClosesAt      *time.Time           `json:"closes_at,omitempty"`
	Tariff        domain.Tariff        `json:"tariff"`
	Participants  []PeerPayload        `json:"participants"`
	ModuleData    map[ModuleID]any     `json:"module_data"`
}

func (r *Runner) join(ctx context.Context) error {
	ts := r.deps.Clock.Now()

	peers, err := r.deps.Store.Participants(ctx, r.room)
	if err != nil {
		return err
	}
	roster, err := r.collectPeers(ctx, ts, peers)
	if err != nil {
		return err
	}

	moduleData := make(map[ModuleID]any)
	for _, lm := range r.modules {
		provider, ok := lm.mod.(FrontendDataProvider)
		if !ok {
			continue
		}
		mctx := &ModuleContext{r: r, id: lm.id, ts: ts}
		data, err := provider.FrontendData(ctx, mctx)
		if err != nil {
			return err
		}
		if data != nil {
			moduleData[lm.id] = data
		}
	}

	payload := JoinSuccessPayload{
		Message:       "join_success",
		ParticipantID: r.participant,
		Role:          r.role,
		DisplayName:   r.displayName,
		Tariff:        r.roomMeta.Tariff,
		Participants:  roster,
		ModuleData:    moduleData,
	}
	if r.roomMeta.ClosesAt > 0 {
		closesAt := time.Unix(r.roomMeta.ClosesAt, 0).UTC()
		payload.ClosesAt = &closesAt
	}
	data, err := encodeServerEnvelope(ControlModuleID, ts, payload)
	if err != nil {
		return err
	}
	if err := r.conn.WriteMessage(data); err != nil {
		return err
	}
	r.deps.Metrics.Inc(metrics.MessagesOut)

	r.publishControlSignal(ctx, ts, exchange.RoomKey(r.room), controlSignal{
		Action: ActionJoined, Participant: r.participant,
	})
	r.fan(ctx, ts, Joined{})
	r.flush(ctx)
	r.log.Info().Bool("resuming", r.resuming).Msg("participant joined")
	return nil
}

// collectPeers builds roster entries for peers, excluding this runner.
func (r *Runner) collectPeers(ctx context.Context, ts time.Time, peers []domain.ParticipantID) ([]PeerPayload, error) {
	others := peers[:0:0]
	for _, p := range peers {
		if p != r.participant {
			others = append(others, p)
		}
	}
	byPeer := make(map[domain.ParticipantID]map[ModuleID]any, len(others))
	for _, p := range others {
		byPeer[p] = make(map[ModuleID]any)
	}
	for _, lm := range r.modules {
		provider, ok := lm.mod.(PeerDataProvider)
		if !ok {
			continue
		}
		mctx := &ModuleContext{r: r, id: lm.id, ts: ts}
		data, err := provider.PeerFrontendData(ctx, mctx, others)
		if err != nil {
			return nil, err
		}
		for p, v := range data {
			if bag, ok := byPeer[p]; ok && v != nil {
				bag[lm.id] = v
			}
		}
	}
	out := make([]PeerPayload, 0, len(others))
	for _, p := range others {
		out = append(out, PeerPayload{ID: p, ModuleData: byPeer[p]})
	}
	return out, nil
}

// CollectPeer builds the roster entry of a single participant; the
// control module uses it for joined/updated roster events.
func (c *ModuleContext) CollectPeer(ctx context.Context, p domain.ParticipantID) (PeerPayload, error) {
	byPeer := map[domain.ParticipantID]map[ModuleID]any{p: {}}
	for _, lm := range c.r.modules {
		provider, ok := lm.mod.(PeerDataProvider)
		if !ok {
			continue
		}
		mctx := &ModuleContext{r: c.r, id: lm.id, ts: c.ts}
		data, err := provider.PeerFrontendData(ctx, mctx, []domain.ParticipantID{p})
		if err != nil {
			return PeerPayload{}, err
		}
		if v, ok := data[p]; ok && v != nil {
			byPeer[p][lm.id] = v
		}
	}
	return PeerPayload{ID: p, ModuleData: byPeer[p]}, nil
}

func (r *Runner) readPump() {
	defer close(r.clientCh)
	for {
		data, err := r.conn.ReadMessage()
		if err != nil {
			if clientGone(err) {
				r.readExit = ReasonLeft
			}
			return
		}
		select {
		case r.clientCh <- data:
		case <-r.done:
			return
		}
	}
}

func (r *Runner) addEventStream(module ModuleID, stream <-chan any) {
	go func() {
		for v := range stream {
			select {
			case r.extCh <- extItem{module: module, value: v}:
			case <-r.done:
				return
			}
		}
	}()
}

func (r *Runner) loop(ctx context.Context) {
	ticker := r.deps.Clock.NewTicker(r.deps.Config.Session.PingInterval)
	defer ticker.Stop()
	for !r.exiting {
		select {
		case data, ok := <-r.clientCh:
			if !ok {
				// Client gone or heartbeat deadline hit; the read pump
				// recorded which.
				r.exiting = true
				r.exitReason = r.readExit
				return
			}
			r.handleClient(ctx, data)
		case d, ok := <-r.sub.C():
			if !ok {
				r.exiting = true
				r.exitReason = ReasonInternalError
				return
			}
			r.handleExchange(ctx, d)
		case item := <-r.extCh:
			r.handleExt(ctx, item)
		case <-ticker.C():
			_ = r.conn.Ping(r.deps.Clock.Now().Add(10 * time.Second))
		case <-ctx.Done():
			r.exiting = true
			r.exitReason = ReasonRoomClosed
		}
	}
}

func (r *Runner) handleClient(ctx context.Context, data []byte) {
	ts := r.deps.Clock.Now()
	r.deps.Metrics.Inc(metrics.MessagesIn)
	if !r.limiter.allow(ts) {
		r.deps.Metrics.Inc(metrics.MessagesRejected)
		r.sendError(ctx, ts, ControlModuleID, "rate_limited")
		return
	}
	env, err := decodeClientEnvelope(data)
	if err != nil {
		r.sendError(ctx, ts, ControlModuleID, "bad_envelope")
		return
	}

	if env.Module == ControlModuleID {
		r.handleControlClient(ctx, ts, env.Payload)
		return
	}
	lm, ok := r.module(env.Module)
	if !ok {
		r.sendError(ctx, ts, ControlModuleID, "module_not_loaded")
		return
	}
	r.dispatch(ctx, ts, lm, WsMessage{Payload: env.Payload})
	r.flush(ctx)
}

// handleControlClient routes control-namespace client actions. Hand
// raise toggles fan out to every module so automod can watch them.
func (r *Runner) handleControlClient(ctx context.Context, ts time.Time, payload json.RawMessage) {
	var head struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		r.sendError(ctx, ts, ControlModuleID, "bad_envelope")
		return
	}
	switch head.Action {
	case "join":
		r.sendError(ctx, ts, ControlModuleID, "already_joined")
	case "raise_hand":
		enabled, err := r.deps.Store.RaiseHandsEnabled(ctx, r.room.Room)
		if err != nil {
			r.log.Error().Err(err).Msg("raise hand lookup failed")
			return
		}
		if !enabled {
			r.sendError(ctx, ts, ControlModuleID, "raise_hands_disabled")
			return
		}
		r.fan(ctx, ts, RaiseHand{})
		r.flush(ctx)
	case "lower_hand":
		r.fan(ctx, ts, LowerHand{})
		r.flush(ctx)
	default:
		lm, _ := r.module(ControlModuleID)
		r.dispatch(ctx, ts, lm, WsMessage{Payload: payload})
		r.flush(ctx)
	}
}

func (r *Runner) handleExchange(ctx context.Context, d exchange.Delivery) {
	env, err := exchange.DecodeEnvelope(d.Data)
	if err != nil {
		r.log.Warn().Err(err).Msg("dropping undecodable exchange message")
		return
	}
	ts := env.Timestamp

	if env.Module == string(ControlModuleID) {
		var sig controlSignal
		if err := json.Unmarshal(env.Payload, &sig); err != nil {
			r.log.Warn().Err(err).Msg("dropping undecodable control signal")
			return
		}
		r.handleControlSignal(ctx, ts, sig)
		return
	}

	lm, ok := r.module(ModuleID(env.Module))
	if !ok {
		return
	}
	r.dispatch(ctx, ts, lm, ExchangeMessage{Key: d.Key, Timestamp: ts, Payload: env.Payload})
	r.flush(ctx)
}

func (r *Runner) handleControlSignal(ctx context.Context, ts time.Time, sig controlSignal) {
	switch sig.Action {
	case ActionJoined, ActionLeft, ActionUpdate:
		if sig.Participant == r.participant {
			return
		}
		var ev Event
		switch sig.Action {
		case ActionJoined:
			ev = ParticipantJoined{Participant: sig.Participant}
		case ActionLeft:
			ev = ParticipantLeft{Participant: sig.Participant}
		default:
			ev = ParticipantUpdated{Participant: sig.Participant}
		}
		r.fan(ctx, ts, ev)
		r.flush(ctx)
	case ActionKicked, ActionBanned, ActionDebriefed:
		if sig.Participant != r.participant {
			return
		}
		if sig.Action == ActionDebriefed && r.role.IsModerator() {
			// Debrief keeps moderators in the room.
			return
		}
		r.exiting = true
		r.exitReason = reasonForSignal(sig.Action)
	case ActionRoomClosed:
		r.exiting = true
		r.exitReason = ReasonRoomClosed
	case ActionAccepted:
		// Only meaningful while waiting.
	}
}

func (r *Runner) handleExt(ctx context.Context, item extItem) {
	ts := r.deps.Clock.Now()
	lm, ok := r.module(item.module)
	if !ok {
		return
	}
	r.dispatch(ctx, ts, lm, ExtEvent{Value: item.value})
	r.flush(ctx)
}

func (r *Runner) module(id ModuleID) (loadedModule, bool) {
	for _, lm := range r.modules {
		if lm.id == id {
			return lm, true
		}
	}
	return loadedModule{}, false
}

// dispatch runs one handler. A handler error surfaces as a module-level
// error event; the runner stays alive.
func (r *Runner) dispatch(ctx context.Context, ts time.Time, lm loadedModule, ev Event) {
	mctx := &ModuleContext{r: r, id: lm.id, ts: ts}
	if err := lm.mod.OnEvent(ctx, mctx, ev); err != nil {
		r.deps.Metrics.Inc(metrics.ModuleErrors)
		r.log.Error().Err(err).Str("failed_module", string(lm.id)).Msg("module handler failed")
		mctx.WsSendError("internal_error")
	}
}

// fan dispatches a lifecycle event to every loaded module in init order.
func (r *Runner) fan(ctx context.Context, ts time.Time, ev Event) {
	for _, lm := range r.modules {
		r.dispatch(ctx, ts, lm, ev)
	}
}

func (r *Runner) sendError(ctx context.Context, ts time.Time, module ModuleID, code string) {
	data, err := encodeServerEnvelope(module, ts, errorPayload(code))
	if err != nil {
		return
	}
	r.pendingWs = append(r.pendingWs, data)
	r.flush(ctx)
}

// flush writes out everything the last handler queued: first the roster
// invalidation, then exchange publishes, then client messages. Failed
// publishes are logged and dropped; receivers re-derive state from the
// store.
func (r *Runner) flush(ctx context.Context) {
	if r.invalidate {
		r.invalidate = false
		r.publishControlSignal(ctx, r.deps.Clock.Now(), exchange.RoomKey(r.room), controlSignal{
			Action: ActionUpdate, Participant: r.participant,
		})
	}
	for _, pub := range r.pendingPub {
		if err := r.deps.Exchange.Publish(ctx, pub.key, pub.data); err != nil {
			r.log.Warn().Err(err).Str("key", pub.key).Msg("exchange publish failed, dropping")
		}
	}
	r.pendingPub = r.pendingPub[:0]
	for _, data := range r.pendingWs {
		if err := r.conn.WriteMessage(data); err != nil {
			// Client is gone; outgoing messages are dropped silently and
			// the read pump ends the loop.
			break
		}
		r.deps.Metrics.Inc(metrics.MessagesOut)
	}
	r.pendingWs = r.pendingWs[:0]
}

func (r *Runner) publishControlSignal(ctx context.Context, ts time.Time, key string, sig controlSignal) {
	raw, err := json.Marshal(sig)
	if err != nil {
		return
	}
	data, err := exchange.EncodeEnvelope(&exchange.Envelope{
		Module: string(ControlModuleID), Timestamp: ts, Payload: raw,
	})
	if err != nil {
		return
	}
	if err := r.deps.Exchange.Publish(ctx, key, data); err != nil {
		r.log.Warn().Err(err).Msg("control signal publish failed")
	}
}

// destroy runs the teardown protocol: Leaving fan-out, the room-lock
// protected "am I last?" decision, module destroys in reverse init
// order with control last, then lock release, the Left broadcast and
// the participant lock release.
func (r *Runner) destroy(ctx context.Context) {
	ts := r.deps.Clock.Now()
	if len(r.modules) > 0 {
		r.fan(ctx, ts, Leaving{Reason: r.exitReason})
		r.flush(ctx)

		lock := r.deps.Store.RoomLock(domain.SignalingRoom{Room: r.room.Room})
		lockCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		locked := lock.Acquire(lockCtx) == nil
		cancel()
		if !locked {
			r.log.Error().Msg("room lock unavailable, destroying without it")
		}

		scope := r.cleanupScope(ctx)
		for i := len(r.modules) - 1; i >= 0; i-- {
			lm := r.modules[i]
			dctx := &DestroyContext{
				ModuleContext: &ModuleContext{r: r, id: lm.id, ts: ts},
				Scope:         scope,
			}
			// A destroy failure is logged but never stops teardown;
			// anything else would orphan the participant reservation.
			if err := lm.mod.OnDestroy(ctx, dctx); err != nil {
				r.log.Error().Err(err).Str("failed_module", string(lm.id)).Msg("module destroy failed")
			}
		}
		if locked {
			if err := lock.Release(ctx); err != nil {
				r.log.Error().Err(err).Msg("room lock release failed")
			}
		}
		r.flush(ctx)
	}

	r.releaseParticipant(ctx)
	_ = r.conn.Close(r.exitReason)
	if r.sub != nil {
		_ = r.sub.Close()
	}
	r.log.Info().Str("reason", string(r.exitReason)).Msg("session destroyed")
}

// cleanupScope decides, under the room lock, how much room state dies
// with this runner.
func (r *Runner) cleanupScope(ctx context.Context) CleanupScope {
	count, err := r.deps.Store.ParticipantCount(ctx, r.room)
	if err != nil {
		r.log.Error().Err(err).Msg("participant count failed")
		return ScopeNone
	}
	if count > 1 {
		return ScopeNone
	}
	if !r.room.InBreakout() {
		return ScopeGlobal
	}
	parentCount, err := r.deps.Store.ParticipantCount(ctx, r.room.Parent())
	if err != nil {
		r.log.Error().Err(err).Msg("parent count failed")
		return ScopeLocal
	}
	if parentCount == 0 {
		return ScopeGlobal
	}
	return ScopeLocal
}

func (r *Runner) releaseParticipant(ctx context.Context) {
	if r.participant.IsNil() {
		return
	}
	owner, released, err := r.deps.Store.ReleaseParticipant(ctx, r.participant, r.id)
	if err != nil {
		r.log.Error().Err(err).Msg("participant release failed")
		return
	}
	if !released && owner != (domain.RunnerID{}) {
		r.log.Warn().Str("owner", owner.String()).Msg("participant reservation held by another runner")
	}
}
