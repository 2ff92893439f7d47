package sfu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// WebRtcTransport is one ICE+DTLS stack between a client and the router. A
// send transport carries the client's producer, a recv transport carries its
// consumers. Local parameters are gathered eagerly at creation so the
// `create-transport` ack can hand them to the client in one shot.
type WebRtcTransport struct {
	id        string
	router    *Router
	direction Direction
	logger    *slog.Logger

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	iceParams     ICEParameters
	iceCandidates []ICECandidate
	dtlsParams    DTLSParameters

	mu        sync.Mutex
	connected bool
	closed    bool
	onClosed  func()
}

func newWebRtcTransport(ctx context.Context, router *Router, direction Direction) (*WebRtcTransport, error) {
	api := router.worker.api

	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return nil, fmt.Errorf("new ice gatherer: %w", err)
	}

	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		gatherer.Close()
		return nil, fmt.Errorf("new dtls transport: %w", err)
	}

	gatherDone := make(chan struct{})
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			close(gatherDone)
		}
	})
	if err := gatherer.Gather(); err != nil {
		gatherer.Close()
		return nil, fmt.Errorf("gather ice candidates: %w", err)
	}
	select {
	case <-gatherDone:
	case <-ctx.Done():
		gatherer.Close()
		return nil, ctx.Err()
	}

	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		gatherer.Close()
		return nil, fmt.Errorf("local ice parameters: %w", err)
	}
	iceCandidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		gatherer.Close()
		return nil, fmt.Errorf("local ice candidates: %w", err)
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		gatherer.Close()
		return nil, fmt.Errorf("local dtls parameters: %w", err)
	}

	id := uuid.NewString()
	t := &WebRtcTransport{
		id:            id,
		router:        router,
		direction:     direction,
		logger:        router.logger.With("transport_id", id, "direction", string(direction)),
		gatherer:      gatherer,
		ice:           ice,
		dtls:          dtls,
		iceParams:     iceParametersToWire(iceParams),
		iceCandidates: iceCandidatesToWire(iceCandidates),
		dtlsParams:    dtlsParametersToWire(dtlsParams),
	}

	dtls.OnStateChange(func(state webrtc.DTLSTransportState) {
		t.logger.Debug("dtls state", "state", state.String())
		if state == webrtc.DTLSTransportStateClosed || state == webrtc.DTLSTransportStateFailed {
			t.fireClosed()
		}
	})

	t.logger.Debug("transport created", "candidates", len(t.iceCandidates))
	return t, nil
}

// ID returns the transport's id.
func (t *WebRtcTransport) ID() string { return t.id }

// Direction returns which way media flows on this transport.
func (t *WebRtcTransport) Direction() Direction { return t.direction }

// ICEParameters returns the server-side ICE credentials.
func (t *WebRtcTransport) ICEParameters() ICEParameters { return t.iceParams }

// ICECandidates returns the gathered server-side candidates.
func (t *WebRtcTransport) ICECandidates() []ICECandidate { return t.iceCandidates }

// DTLSParameters returns the server-side DTLS fingerprints.
func (t *WebRtcTransport) DTLSParameters() DTLSParameters { return t.dtlsParams }

// OnClosed registers the callback fired once when the transport dies, whether
// through Close or a DTLS teardown from the client side.
func (t *WebRtcTransport) OnClosed(fn func()) {
	t.mu.Lock()
	t.onClosed = fn
	t.mu.Unlock()
}

// Connect runs ICE and the DTLS handshake against the client's parameters.
// The server always takes the controlled ICE role. If ctx expires before the
// handshake completes the transport is closed.
func (t *WebRtcTransport) Connect(ctx context.Context, remote ConnectParameters) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("transport closed")
	}
	if t.connected {
		t.mu.Unlock()
		return fmt.Errorf("transport already connected")
	}
	t.mu.Unlock()

	candidates, err := iceCandidatesFromWire(remote.ICECandidates)
	if err != nil {
		return fmt.Errorf("remote ice candidates: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if len(candidates) > 0 {
			if err := t.ice.SetRemoteCandidates(candidates); err != nil {
				errCh <- fmt.Errorf("set remote candidates: %w", err)
				return
			}
		}
		role := webrtc.ICERoleControlled
		if err := t.ice.Start(nil, iceParametersFromWire(remote.ICEParameters), &role); err != nil {
			errCh <- fmt.Errorf("start ice: %w", err)
			return
		}
		if err := t.dtls.Start(dtlsParametersFromWire(remote.DTLSParameters)); err != nil {
			errCh <- fmt.Errorf("start dtls: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		t.Close()
		return ctx.Err()
	}

	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	t.logger.Info("transport connected")
	return nil
}

// Produce starts receiving the client's audio stream described by params and
// returns the producer forwarding it. Only valid on a connected send
// transport.
func (t *WebRtcTransport) Produce(ctx context.Context, kind string, params RTPParameters) (*Producer, error) {
	if t.direction != DirectionSend {
		return nil, fmt.Errorf("produce on %s transport", t.direction)
	}
	if kind != "audio" {
		return nil, fmt.Errorf("unsupported media kind %q", kind)
	}
	if len(params.Encodings) == 0 || params.Encodings[0].SSRC == 0 {
		return nil, fmt.Errorf("missing ssrc in rtp parameters")
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport closed")
	}
	if !t.connected {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport not connected")
	}
	t.mu.Unlock()

	receiver, err := t.router.worker.api.NewRTPReceiver(webrtc.RTPCodecTypeAudio, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("new rtp receiver: %w", err)
	}

	payloadType := params.Encodings[0].PayloadType
	if payloadType == 0 {
		payloadType = opusPayload
	}
	err = receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(params.Encodings[0].SSRC),
				PayloadType: webrtc.PayloadType(payloadType),
			},
		}},
	})
	if err != nil {
		receiver.Stop()
		return nil, fmt.Errorf("receive: %w", err)
	}

	p := &Producer{
		id:       uuid.NewString(),
		kind:     kind,
		router:   t.router,
		receiver: receiver,
		track:    receiver.Track(),
		sinks:    make(map[string]*webrtc.TrackLocalStaticRTP),
		logger:   t.logger,
	}
	t.router.addProducer(p)
	go p.forward()

	t.logger.Info("producer created", "producer_id", p.id, "ssrc", params.Encodings[0].SSRC)
	return p, nil
}

// Consume attaches the given producer's audio to this transport and returns
// the consumer the client should signal into an RTCRtpReceiver. Only valid on
// a connected recv transport.
func (t *WebRtcTransport) Consume(ctx context.Context, producerID string, caps RTPCapabilities) (*Consumer, error) {
	if t.direction != DirectionRecv {
		return nil, fmt.Errorf("consume on %s transport", t.direction)
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport closed")
	}
	if !t.connected {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport not connected")
	}
	t.mu.Unlock()

	producer, ok := t.router.producer(producerID)
	if !ok {
		return nil, fmt.Errorf("producer %s not found on router", producerID)
	}
	if !t.router.CanConsume(caps) {
		return nil, fmt.Errorf("capabilities cannot consume %s", webrtc.MimeTypeOpus)
	}

	consumerID := uuid.NewString()
	local, err := webrtc.NewTrackLocalStaticRTP(
		t.router.worker.codec.RTPCodecCapability,
		consumerID,
		producerID,
	)
	if err != nil {
		return nil, fmt.Errorf("new local track: %w", err)
	}

	sender, err := t.router.worker.api.NewRTPSender(local, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("new rtp sender: %w", err)
	}
	sendParams := sender.GetParameters()
	if err := sender.Send(sendParams); err != nil {
		sender.Stop()
		return nil, fmt.Errorf("send: %w", err)
	}
	go drainRTCP(sender)

	producer.addSink(consumerID, local)

	c := &Consumer{
		id:         consumerID,
		producerID: producerID,
		kind:       producer.kind,
		producer:   producer,
		sender:     sender,
		params:     sendParametersToWire(sendParams),
		logger:     t.logger,
	}

	t.logger.Info("consumer created", "consumer_id", c.id, "producer_id", producerID)
	return c, nil
}

// Close tears the transport down. Producers and consumers riding on it must
// be closed by the owner first; Close only stops the ICE/DTLS stack.
func (t *WebRtcTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	if err := t.dtls.Stop(); err != nil {
		t.logger.Debug("dtls stop", "error", err)
	}
	if err := t.ice.Stop(); err != nil {
		t.logger.Debug("ice stop", "error", err)
	}
	if err := t.gatherer.Close(); err != nil {
		t.logger.Debug("gatherer close", "error", err)
	}
	t.logger.Info("transport closed")
	return nil
}

// fireClosed invokes the OnClosed callback exactly once, for teardowns that
// originate from the wire rather than from Close.
func (t *WebRtcTransport) fireClosed() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	cb := t.onClosed
	t.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// Producer is one inbound audio stream. Its forward loop copies RTP packets
// from the client's track into every attached consumer sink.
type Producer struct {
	id       string
	kind     string
	router   *Router
	receiver *webrtc.RTPReceiver
	track    *webrtc.TrackRemote
	logger   *slog.Logger

	mu     sync.Mutex
	sinks  map[string]*webrtc.TrackLocalStaticRTP
	closed bool
}

// ID returns the producer's id.
func (p *Producer) ID() string { return p.id }

// Kind returns the media kind, always "audio".
func (p *Producer) Kind() string { return p.kind }

func (p *Producer) addSink(consumerID string, track *webrtc.TrackLocalStaticRTP) {
	p.mu.Lock()
	p.sinks[consumerID] = track
	p.mu.Unlock()
}

func (p *Producer) removeSink(consumerID string) {
	p.mu.Lock()
	delete(p.sinks, consumerID)
	p.mu.Unlock()
}

// forward pumps RTP from the remote track into the sinks until the track or
// the producer dies. Each sink gets its own packet copy because WriteRTP
// rewrites header fields.
func (p *Producer) forward() {
	for {
		pkt, _, err := p.track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.logger.Debug("producer read ended", "producer_id", p.id, "error", err)
			}
			return
		}

		p.mu.Lock()
		sinks := make([]*webrtc.TrackLocalStaticRTP, 0, len(p.sinks))
		for _, s := range p.sinks {
			sinks = append(sinks, s)
		}
		p.mu.Unlock()

		for _, sink := range sinks {
			forwarded := rtp.Packet{Header: pkt.Header, Payload: pkt.Payload}
			if err := sink.WriteRTP(&forwarded); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				p.logger.Debug("forward write failed", "producer_id", p.id, "error", err)
			}
		}
	}
}

// Close stops the inbound stream and deregisters the producer from its
// router. Idempotent.
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.router.removeProducer(p.id)
	if err := p.receiver.Stop(); err != nil {
		p.logger.Debug("receiver stop", "producer_id", p.id, "error", err)
	}
	return nil
}

// Consumer is one outbound copy of a producer's audio.
type Consumer struct {
	id         string
	producerID string
	kind       string
	producer   *Producer
	sender     *webrtc.RTPSender
	params     RTPParameters
	logger     *slog.Logger

	mu     sync.Mutex
	closed bool
}

// ID returns the consumer's id.
func (c *Consumer) ID() string { return c.id }

// ProducerID returns the id of the producer this consumer mirrors.
func (c *Consumer) ProducerID() string { return c.producerID }

// Kind returns the media kind, always "audio".
func (c *Consumer) Kind() string { return c.kind }

// RTPParameters returns the parameters the client needs to receive this
// stream, including the server-chosen SSRC.
func (c *Consumer) RTPParameters() RTPParameters { return c.params }

// Close detaches the consumer from its producer and stops the sender.
// Idempotent.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.producer.removeSink(c.id)
	if err := c.sender.Stop(); err != nil {
		c.logger.Debug("sender stop", "consumer_id", c.id, "error", err)
	}
	return nil
}

// sendParametersToWire projects pion's send parameters into the wire form
// handed to the consuming client.
func sendParametersToWire(p webrtc.RTPSendParameters) RTPParameters {
	codecs := make([]RTPCodecCapability, 0, len(p.Codecs))
	for _, c := range p.Codecs {
		codecs = append(codecs, RTPCodecCapability{
			MimeType:    c.MimeType,
			ClockRate:   c.ClockRate,
			Channels:    c.Channels,
			SDPFmtpLine: c.SDPFmtpLine,
			PayloadType: uint8(c.PayloadType),
		})
	}
	encodings := make([]RTPEncoding, 0, len(p.Encodings))
	for _, e := range p.Encodings {
		encodings = append(encodings, RTPEncoding{SSRC: uint32(e.SSRC), PayloadType: opusPayload})
	}
	return RTPParameters{Codecs: codecs, Encodings: encodings}
}

// drainRTCP keeps the sender's RTCP read loop serviced so interceptors do not
// stall.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
