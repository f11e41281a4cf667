package janus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

const videoRoomPlugin = "janus.plugin.videoroom"

// Negotiation outcomes reported to an Observer.
const (
	OutcomeAnswered       = "answered"
	OutcomeTimeout        = "timeout"
	OutcomeProtocolError  = "protocol_error"
	OutcomeTransportError = "transport_error"
	OutcomeCancelled      = "cancelled"
)

// Answer is the gateway's reply to a publisher offer.
type Answer struct {
	SDP         string
	PublisherID uint64
}

// ForwardPorts are the local UDP ports the gateway should forward media to.
type ForwardPorts struct {
	Audio int
	Video int
}

// Observer receives negotiation measurements. metrics.Recorder satisfies it.
type Observer interface {
	ObservePoll(matched bool)
	ObserveNegotiation(outcome string, elapsed time.Duration)
}

// EngineOptions carries the collaborators of an Engine. Zero values fall back
// to slog.Default, the wall clock, a context-aware sleep and uuid transaction
// tags.
type EngineOptions struct {
	Logger         *slog.Logger
	Observer       Observer
	OnTransition   TransitionFunc
	Sleep          func(ctx context.Context, d time.Duration) error
	Now            func() time.Time
	NewTransaction func() string
}

// Engine owns one gateway session and handle and walks them through a single
// publisher negotiation.
type Engine struct {
	cfg       Config
	transport *Transport
	logger    *slog.Logger
	observer  Observer
	sleep     func(context.Context, time.Duration) error
	now       func() time.Time
	newTxn    func() string

	mu        sync.Mutex
	machine   *machine
	sessionID uint64
	handleID  uint64
	disposed  bool
}

// NewEngine validates cfg and returns an Engine in the UNINITIALIZED state.
func NewEngine(cfg Config, opts EngineOptions) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	engine := &Engine{
		cfg:       cfg,
		transport: NewTransport(cfg.BaseURL, cfg.HTTPClient, cfg.APITimeout),
		logger:    logger,
		observer:  opts.Observer,
		sleep:     opts.Sleep,
		now:       opts.Now,
		newTxn:    opts.NewTransaction,
		machine:   newMachine(opts.OnTransition),
	}
	if engine.sleep == nil {
		engine.sleep = sleepContext
	}
	if engine.now == nil {
		engine.now = time.Now
	}
	if engine.newTxn == nil {
		engine.newTxn = uuid.NewString
	}
	return engine, nil
}

// State reports the current negotiation state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.machine.current()
}

// SessionID returns the gateway session id, zero before Connect succeeds.
func (e *Engine) SessionID() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// HandleID returns the VideoRoom plugin handle id, zero before attach.
func (e *Engine) HandleID() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handleID
}

// Connect creates a gateway session and attaches the VideoRoom plugin.
func (e *Engine) Connect(ctx context.Context) error {
	if current := e.State(); current != StateUninitialized {
		return stateError("connect", current, StateUninitialized)
	}

	raw, err := e.transport.Post(ctx, envelope{Janus: "create", Transaction: e.newTxn()})
	if err != nil {
		e.fail()
		return fmt.Errorf("create janus session: %w", err)
	}
	created, err := expectReply("create", "success", raw)
	if err != nil {
		e.fail()
		return err
	}
	if created.Data.ID == 0 {
		e.fail()
		return &ProtocolError{Op: "create", Expected: "success", Got: created.Janus, Reason: "missing session id", Raw: raw}
	}
	e.advance(eventSessionCreated, func() { e.sessionID = created.Data.ID })

	raw, err = e.transport.Post(ctx, envelope{Janus: "attach", Plugin: videoRoomPlugin, Transaction: e.newTxn()}, created.Data.ID)
	if err != nil {
		e.fail()
		return fmt.Errorf("attach %s: %w", videoRoomPlugin, err)
	}
	attached, err := expectReply("attach", "success", raw)
	if err != nil {
		e.fail()
		return err
	}
	if attached.Data.ID == 0 {
		e.fail()
		return &ProtocolError{Op: "attach", Expected: "success", Got: attached.Janus, Reason: "missing handle id", Raw: raw}
	}
	e.advance(eventHandleAttached, func() { e.handleID = attached.Data.ID })

	e.logger.Debug("janus session ready", "session_id", created.Data.ID, "handle_id", attached.Data.ID)
	return nil
}

// Negotiate joins roomID as a publisher with offerSDP and waits for the
// gateway's answer. An UNINITIALIZED engine connects first. A roomID of zero
// selects the configured room.
func (e *Engine) Negotiate(ctx context.Context, offerSDP string, roomID int64) (Answer, error) {
	started := e.now()
	answer, outcome, err := e.negotiate(ctx, offerSDP, roomID)
	if e.observer != nil && outcome != "" {
		e.observer.ObserveNegotiation(outcome, e.now().Sub(started))
	}
	return answer, err
}

func (e *Engine) negotiate(ctx context.Context, offerSDP string, roomID int64) (Answer, string, error) {
	if offerSDP == "" {
		return Answer{}, "", errors.New("janus: offer sdp is required")
	}
	if e.State() == StateUninitialized {
		if err := e.Connect(ctx); err != nil {
			return Answer{}, classify(ctx, err), err
		}
	}
	if current := e.State(); current != StateHandleAttached {
		return Answer{}, "", stateError("negotiate", current, StateUninitialized, StateHandleAttached)
	}
	if roomID == 0 {
		roomID = e.cfg.RoomID
	}

	if summary := InspectOffer(offerSDP); summary.Parsed {
		e.logger.Debug("publishing offer", "room", roomID, "media", summary.Kinds())
	} else {
		e.logger.Debug("publishing unparsed offer", "room", roomID, "parse_error", summary.Error)
	}

	sessionID, handleID := e.SessionID(), e.HandleID()
	message := envelope{
		Janus:       "message",
		Transaction: e.newTxn(),
		Body: joinConfigure{
			Request:    "joinandconfigure",
			Room:       roomID,
			PType:      "publisher",
			Display:    e.cfg.Display,
			AudioCodec: "opus",
			VideoCodec: "h264",
		},
		JSEP: &jsep{Type: "offer", SDP: offerSDP},
	}
	raw, err := e.transport.Post(ctx, message, sessionID, handleID)
	if err != nil {
		e.fail()
		return Answer{}, classify(ctx, err), fmt.Errorf("send joinandconfigure: %w", err)
	}
	if _, err := expectReply("joinandconfigure", "ack", raw); err != nil {
		e.fail()
		return Answer{}, OutcomeProtocolError, err
	}
	e.advance(eventOfferSent, nil)

	answer, err := e.awaitAnswer(ctx, sessionID)
	if err != nil {
		e.fail()
		return Answer{}, classify(ctx, err), err
	}
	e.advance(eventAnswerReceived, nil)
	e.logger.Info("janus answer received", "session_id", sessionID, "room", roomID, "publisher_id", answer.PublisherID)
	return answer, OutcomeAnswered, nil
}

// awaitAnswer polls the session endpoint until the configured event arrives,
// the attempt budget runs out or ctx ends. Every miss is followed by one
// PollInterval of sleep.
func (e *Engine) awaitAnswer(ctx context.Context, sessionID uint64) (Answer, error) {
	var publisherID uint64
	for attempt := 1; attempt <= e.cfg.PollAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Answer{}, err
		}
		events, err := e.poll(ctx, sessionID)
		if err != nil {
			if ctx.Err() != nil {
				return Answer{}, ctx.Err()
			}
			e.logger.Warn("janus poll failed", "session_id", sessionID, "attempt", attempt, "error", err)
		}
		for _, event := range events {
			data := event.PluginData.Data
			if data.VideoRoom == "joined" && data.ID != 0 {
				publisherID = data.ID
			}
			if event.answersOffer() {
				if data.ID != 0 {
					publisherID = data.ID
				}
				if e.observer != nil {
					e.observer.ObservePoll(true)
				}
				return Answer{SDP: event.JSEP.SDP, PublisherID: publisherID}, nil
			}
		}
		if e.observer != nil {
			e.observer.ObservePoll(false)
		}
		if err := e.sleep(ctx, e.cfg.PollInterval); err != nil {
			return Answer{}, err
		}
	}
	return Answer{}, fmt.Errorf("%w after %d attempts", ErrNegotiationTimeout, e.cfg.PollAttempts)
}

func (e *Engine) poll(ctx context.Context, sessionID uint64) ([]reply, error) {
	query := url.Values{}
	query.Set("maxev", "1")
	query.Set("rid", strconv.FormatInt(e.now().UnixMilli(), 10))
	raw, err := e.transport.Get(ctx, query, e.cfg.PollTimeout, sessionID)
	if err != nil {
		return nil, err
	}
	return decodeEvents(raw)
}

// Forward asks the gateway to copy the publisher's RTP streams to the local
// ports. Only the HTTP exchange is checked.
func (e *Engine) Forward(ctx context.Context, roomID int64, publisherID uint64, ports ForwardPorts) error {
	if current := e.State(); current != StateAnswerReceived {
		return stateError("rtp_forward", current, StateAnswerReceived)
	}
	if publisherID == 0 {
		return ErrMissingPublisher
	}
	if roomID == 0 {
		roomID = e.cfg.RoomID
	}
	message := envelope{
		Janus:       "message",
		Transaction: e.newTxn(),
		Body: rtpForward{
			Request:     "rtp_forward",
			Room:        roomID,
			PublisherID: publisherID,
			Host:        e.cfg.ForwardHost,
			AudioPort:   ports.Audio,
			VideoPort:   ports.Video,
			Secret:      e.cfg.ForwardSecret,
		},
	}
	if _, err := e.transport.Post(ctx, message, e.SessionID(), e.HandleID()); err != nil {
		return fmt.Errorf("rtp_forward to %s: %w", e.cfg.ForwardHost, err)
	}
	e.logger.Debug("rtp forward requested", "publisher_id", publisherID, "audio_port", ports.Audio, "video_port", ports.Video)
	return nil
}

// Dispose releases the engine's HTTP resources. It is safe to call more than
// once and from any state.
func (e *Engine) Dispose() {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	e.disposed = true
	e.mu.Unlock()
	e.transport.Close()
}

// Ping checks that the gateway answers its info endpoint.
func (e *Engine) Ping(ctx context.Context) error {
	_, err := e.transport.Info(ctx)
	return err
}

func (e *Engine) advance(event string, update func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if update != nil {
		update()
	}
	if err := e.machine.fire(event); err != nil {
		e.logger.Error("janus state transition rejected", "event", event, "state", e.machine.current(), "error", err)
	}
}

func (e *Engine) fail() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.machine.fail()
}

func classify(ctx context.Context, err error) string {
	var protocolErr *ProtocolError
	switch {
	case err == nil:
		return OutcomeAnswered
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		return OutcomeCancelled
	case errors.Is(err, ErrNegotiationTimeout):
		return OutcomeTimeout
	case errors.As(err, &protocolErr):
		return OutcomeProtocolError
	default:
		return OutcomeTransportError
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type envelope struct {
	Janus       string      `json:"janus"`
	Transaction string      `json:"transaction"`
	Plugin      string      `json:"plugin,omitempty"`
	Body        interface{} `json:"body,omitempty"`
	JSEP        *jsep       `json:"jsep,omitempty"`
}

type jsep struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type joinConfigure struct {
	Request    string `json:"request"`
	Room       int64  `json:"room"`
	PType      string `json:"ptype"`
	Display    string `json:"display"`
	AudioCodec string `json:"audiocodec"`
	VideoCodec string `json:"videocodec"`
}

type rtpForward struct {
	Request     string `json:"request"`
	Room        int64  `json:"room"`
	PublisherID uint64 `json:"publisher_id"`
	Host        string `json:"host"`
	AudioPort   int    `json:"audio_port"`
	VideoPort   int    `json:"video_port"`
	Secret      string `json:"secret"`
}

type reply struct {
	Janus string `json:"janus"`
	Data  struct {
		ID uint64 `json:"id"`
	} `json:"data"`
	Error *struct {
		Code   int    `json:"code"`
		Reason string `json:"reason"`
	} `json:"error,omitempty"`
	PluginData struct {
		Plugin string `json:"plugin"`
		Data   struct {
			VideoRoom  string `json:"videoroom"`
			Configured string `json:"configured"`
			ID         uint64 `json:"id"`
			ErrorCode  int    `json:"error_code"`
			Error      string `json:"error"`
		} `json:"data"`
	} `json:"plugindata"`
	JSEP *jsep `json:"jsep,omitempty"`
}

func (r reply) answersOffer() bool {
	data := r.PluginData.Data
	return r.Janus == "event" &&
		data.VideoRoom == "event" &&
		data.Configured == "ok" &&
		r.JSEP != nil && r.JSEP.SDP != ""
}

func expectReply(op, want string, raw json.RawMessage) (reply, error) {
	var r reply
	if err := json.Unmarshal(raw, &r); err != nil {
		return r, &ProtocolError{Op: op, Expected: want, Reason: "undecodable reply: " + err.Error(), Raw: raw}
	}
	if r.Janus != want {
		protocolErr := &ProtocolError{Op: op, Expected: want, Got: r.Janus, Raw: raw}
		if r.Error != nil {
			protocolErr.Reason = r.Error.Reason
		}
		return r, protocolErr
	}
	return r, nil
}

// decodeEvents accepts either a single event object or an array of them.
func decodeEvents(raw json.RawMessage) ([]reply, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, errors.New("empty poll reply")
	}
	if trimmed[0] == '[' {
		var events []reply
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, fmt.Errorf("decode poll events: %w", err)
		}
		return events, nil
	}
	var event reply
	if err := json.Unmarshal(trimmed, &event); err != nil {
		return nil, fmt.Errorf("decode poll event: %w", err)
	}
	return []reply{event}, nil
}
