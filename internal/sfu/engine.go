// Package sfu is a selective forwarding unit for audio built on pion's ORTC
// API. Signaling is parameter-based rather than SDP-based: the gateway hands
// clients ICE/DTLS/RTP parameters as plain JSON and the client assembles its
// side from them. A Worker owns one webrtc.API (one UDP port range slice),
// Routers group the transports of a single voice room, and transports carry
// Producers (client to server) and Consumers (server to client).
package sfu

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"

	"github.com/pion/webrtc/v3"
)

const (
	opusClockRate = 48000
	opusChannels  = 2
	opusFmtp      = "minptime=10;useinbandfec=1;stereo=1"
	opusPayload   = 111
)

// Config carries the network facts an Engine needs.
type Config struct {
	// RTCMinPort and RTCMaxPort bound the UDP ports media flows over.
	RTCMinPort uint16
	RTCMaxPort uint16
	// AnnouncedIP is the address written into host candidates, for servers
	// behind NAT.
	AnnouncedIP string
	// WorkerCount overrides the default worker pool size (NumCPU, capped
	// at 4) when positive.
	WorkerCount int
}

// Engine is the process-wide media layer: a fixed pool of workers that
// routers are assigned to round-robin.
type Engine struct {
	workers []*Worker
	next    atomic.Uint64
	logger  *slog.Logger
}

// Worker wraps one webrtc.API instance. All transports of the routers
// assigned to a worker share its media and setting engines.
type Worker struct {
	api   *webrtc.API
	codec webrtc.RTPCodecParameters
}

// NewEngine builds the worker pool. Opus is the only registered codec.
func NewEngine(cfg Config, logger *slog.Logger) (*Engine, error) {
	count := cfg.WorkerCount
	if count <= 0 {
		count = runtime.NumCPU()
		if count > 4 {
			count = 4
		}
	}

	codec := webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   opusClockRate,
			Channels:    opusChannels,
			SDPFmtpLine: opusFmtp,
		},
		PayloadType: opusPayload,
	}

	workers := make([]*Worker, 0, count)
	for i := 0; i < count; i++ {
		mediaEngine := &webrtc.MediaEngine{}
		if err := mediaEngine.RegisterCodec(codec, webrtc.RTPCodecTypeAudio); err != nil {
			return nil, fmt.Errorf("register opus codec: %w", err)
		}

		settingEngine := webrtc.SettingEngine{}
		if cfg.RTCMinPort != 0 || cfg.RTCMaxPort != 0 {
			if err := settingEngine.SetEphemeralUDPPortRange(cfg.RTCMinPort, cfg.RTCMaxPort); err != nil {
				return nil, fmt.Errorf("set rtc port range: %w", err)
			}
		}
		if cfg.AnnouncedIP != "" {
			settingEngine.SetNAT1To1IPs([]string{cfg.AnnouncedIP}, webrtc.ICECandidateTypeHost)
		}

		workers = append(workers, &Worker{
			api: webrtc.NewAPI(
				webrtc.WithMediaEngine(mediaEngine),
				webrtc.WithSettingEngine(settingEngine),
			),
			codec: codec,
		})
	}

	logger = logger.With("component", "sfu")
	logger.Info("media engine ready",
		"workers", count,
		"rtc_min_port", cfg.RTCMinPort,
		"rtc_max_port", cfg.RTCMaxPort,
		"announced_ip", cfg.AnnouncedIP,
	)

	return &Engine{workers: workers, logger: logger}, nil
}

// NewRouter creates a router on the next worker in round-robin order.
func (e *Engine) NewRouter(ctx context.Context) (*Router, error) {
	if len(e.workers) == 0 {
		return nil, fmt.Errorf("no workers available")
	}
	worker := e.workers[e.next.Add(1)%uint64(len(e.workers))]
	return newRouter(worker, e.logger), nil
}
