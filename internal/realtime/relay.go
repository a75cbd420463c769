package realtime

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// RTP buffer size (MTU-friendly). Used with sync.Pool to avoid per-packet allocs.
const rtpBufferSize = 1500

var rtpBufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, rtpBufferSize)
		return &b
	},
}

const (
	relayTargetPublisher  = "publisher"
	relayTargetSubscriber = "subscriber"
)

// ErrNoStream is returned when a listener subscribes before the host published audio.
var ErrNoStream = errors.New("no_stream")

// Relay forwards the host's Opus track of a live session to its listeners.
type Relay struct {
	rooms map[uuid.UUID]*relayRoom
	mu    sync.RWMutex
	log   *zap.Logger
	cfg   webrtc.Configuration
}

type relayRoom struct {
	sessionID   uuid.UUID
	publisher   *webrtc.PeerConnection
	track       *forwardedTrack
	subscribers map[string]*webrtc.PeerConnection
	mu          sync.RWMutex
	log         *zap.Logger
}

type forwardedTrack struct {
	remote *webrtc.TrackRemote
	locals []*webrtc.TrackLocalStaticRTP
	mu     sync.Mutex
}

// NewRelay creates a relay with the given ICE (STUN/TURN) configuration.
func NewRelay(log *zap.Logger, iceServers []webrtc.ICEServer) *Relay {
	cfg := webrtc.Configuration{ICEServers: iceServers}
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	return &Relay{
		rooms: make(map[uuid.UUID]*relayRoom),
		log:   log,
		cfg:   cfg,
	}
}

// newAudioAPI registers Opus only; the relay carries no video.
func newAudioAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2, SDPFmtpLine: "minptime=10;useinbandfec=1"},
		PayloadType:        111,
	}, webrtc.RTPCodecTypeAudio)
	if err != nil {
		return nil, err
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(m)), nil
}

func (s *Relay) room(sessionID uuid.UUID, create bool) *relayRoom {
	if !create {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.rooms[sessionID]
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[sessionID]; ok {
		return r
	}
	r := &relayRoom{
		sessionID:   sessionID,
		subscribers: make(map[string]*webrtc.PeerConnection),
		log:         s.log.With(zap.String("session_id", sessionID.String())),
	}
	s.rooms[sessionID] = r
	return r
}

func trickle(pc *webrtc.PeerConnection, sessionID uuid.UUID, target string, reply func(Envelope)) {
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		b, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		reply(RelayICE(sessionID, target, b))
	})
}

// Publish accepts the host's SDP offer and replies with a relay-answer.
// A previous publisher for the session is replaced. Callers check that the
// connection belongs to the host of a live session.
func (s *Relay) Publish(sessionID uuid.UUID, offer string, reply func(Envelope)) error {
	r := s.room(sessionID, true)
	api, err := newAudioAPI()
	if err != nil {
		return err
	}
	pc, err := api.NewPeerConnection(s.cfg)
	if err != nil {
		return err
	}
	trickle(pc, sessionID, relayTargetPublisher, reply)
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		ft := &forwardedTrack{remote: track}
		r.mu.Lock()
		r.track = ft
		for _, sub := range r.subscribers {
			r.attach(ft, sub)
		}
		r.mu.Unlock()
		go ft.forward()
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		_ = pc.Close()
		return err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = pc.Close()
		return err
	}

	r.mu.Lock()
	old := r.publisher
	r.publisher = pc
	r.track = nil
	r.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	reply(RelayAnswer(sessionID, answer.SDP))
	return nil
}

func (ft *forwardedTrack) forward() {
	for {
		ptr := rtpBufferPool.Get().(*[]byte)
		buf := *ptr
		n, _, err := ft.remote.Read(buf)
		if err != nil {
			rtpBufferPool.Put(ptr)
			return
		}
		// Write outside the lock so one slow listener does not stall the rest.
		ft.mu.Lock()
		locals := make([]*webrtc.TrackLocalStaticRTP, len(ft.locals))
		copy(locals, ft.locals)
		ft.mu.Unlock()
		for _, local := range locals {
			_, _ = local.Write(buf[:n])
		}
		rtpBufferPool.Put(ptr)
	}
}

// attach must be called with r.mu held.
func (r *relayRoom) attach(ft *forwardedTrack, pc *webrtc.PeerConnection) {
	local, err := webrtc.NewTrackLocalStaticRTP(ft.remote.Codec().RTPCodecCapability, ft.remote.ID(), ft.remote.StreamID())
	if err != nil {
		r.log.Warn("create local track", zap.Error(err))
		return
	}
	ft.mu.Lock()
	ft.locals = append(ft.locals, local)
	ft.mu.Unlock()
	if _, err := pc.AddTrack(local); err != nil {
		r.log.Warn("add track to listener", zap.Error(err))
	}
}

// Subscribe creates a listener peer connection and replies with a relay-offer.
func (s *Relay) Subscribe(sessionID uuid.UUID, connID string, reply func(Envelope)) error {
	r := s.room(sessionID, false)
	if r == nil {
		return ErrNoStream
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.publisher == nil || r.track == nil {
		return ErrNoStream
	}
	api, err := newAudioAPI()
	if err != nil {
		return err
	}
	pc, err := api.NewPeerConnection(s.cfg)
	if err != nil {
		return err
	}
	trickle(pc, sessionID, relayTargetSubscriber, reply)
	r.attach(r.track, pc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return err
	}
	if prev, ok := r.subscribers[connID]; ok {
		_ = prev.Close()
	}
	r.subscribers[connID] = pc
	reply(RelayOffer(sessionID, offer.SDP))
	return nil
}

// Answer applies a listener's SDP answer.
func (s *Relay) Answer(sessionID uuid.UUID, connID, sdp string) error {
	r := s.room(sessionID, false)
	if r == nil {
		return ErrNoStream
	}
	r.mu.RLock()
	pc, ok := r.subscribers[connID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoStream
	}
	return pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

// Candidate adds a trickled client ICE candidate to the publisher or listener connection.
func (s *Relay) Candidate(sessionID uuid.UUID, connID, target string, raw json.RawMessage) error {
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &cand); err != nil {
		return err
	}
	r := s.room(sessionID, false)
	if r == nil {
		return nil
	}
	r.mu.RLock()
	var pc *webrtc.PeerConnection
	switch target {
	case relayTargetPublisher:
		pc = r.publisher
	case relayTargetSubscriber:
		pc = r.subscribers[connID]
	}
	r.mu.RUnlock()
	if pc == nil {
		return nil
	}
	return pc.AddICECandidate(cand)
}

// Leave drops a listener's peer connection. Called when a connection goes away.
func (s *Relay) Leave(sessionID uuid.UUID, connID string) {
	r := s.room(sessionID, false)
	if r == nil {
		return
	}
	r.mu.Lock()
	pc, ok := r.subscribers[connID]
	delete(r.subscribers, connID)
	r.mu.Unlock()
	if ok {
		_ = pc.Close()
	}
}

// Close tears down every peer connection of the session. Called on End.
func (s *Relay) Close(sessionID uuid.UUID) {
	s.mu.Lock()
	r, ok := s.rooms[sessionID]
	delete(s.rooms, sessionID)
	s.mu.Unlock()
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.publisher != nil {
		_ = r.publisher.Close()
	}
	for _, pc := range r.subscribers {
		_ = pc.Close()
	}
	r.publisher, r.track, r.subscribers = nil, nil, nil
	r.log.Info("relay closed")
}

// Publishing reports whether the session has an active publisher.
func (s *Relay) Publishing(sessionID uuid.UUID) bool {
	r := s.room(sessionID, false)
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.publisher != nil
}
