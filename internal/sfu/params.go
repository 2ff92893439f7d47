package sfu

import (
	"strings"

	"github.com/pion/webrtc/v3"
)

// Direction of a WebRTC transport relative to the client.
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionSend || d == DirectionRecv
}

// RTPCodecCapability describes one codec a router or client supports.
type RTPCodecCapability struct {
	MimeType    string `json:"mimeType"`
	ClockRate   uint32 `json:"clockRate"`
	Channels    uint16 `json:"channels,omitempty"`
	SDPFmtpLine string `json:"sdpFmtpLine,omitempty"`
	PayloadType uint8  `json:"payloadType,omitempty"`
}

// RTPCapabilities is the declarative codec description exchanged during
// signaling. The client must load the router's capabilities before producing
// or consuming.
type RTPCapabilities struct {
	Codecs []RTPCodecCapability `json:"codecs"`
}

// HasCompatibleAudio reports whether caps can consume the router's Opus
// configuration.
func (c RTPCapabilities) HasCompatibleAudio() bool {
	for _, codec := range c.Codecs {
		if strings.EqualFold(codec.MimeType, webrtc.MimeTypeOpus) && codec.ClockRate == opusClockRate {
			return true
		}
	}
	return false
}

// RTPEncoding carries the per-stream parameters of a producer or consumer.
type RTPEncoding struct {
	SSRC        uint32 `json:"ssrc"`
	PayloadType uint8  `json:"payloadType,omitempty"`
}

// RTPParameters describe a single media stream: the codec in use and its
// encodings. Producers signal theirs in `produce`; consumers receive theirs
// in the `consume` ack.
type RTPParameters struct {
	MID       string               `json:"mid,omitempty"`
	Codecs    []RTPCodecCapability `json:"codecs"`
	Encodings []RTPEncoding        `json:"encodings"`
}

// ICEParameters are the local ufrag/pwd of one ICE agent.
type ICEParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	ICELite          bool   `json:"iceLite,omitempty"`
}

// ICECandidate is one transport address of an ICE agent.
type ICECandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	Address    string `json:"address"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
}

// DTLSFingerprint is a certificate digest.
type DTLSFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

// DTLSParameters identify one DTLS endpoint.
type DTLSParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DTLSFingerprint `json:"fingerprints"`
}

// ConnectParameters is what the client supplies in `connect-transport`. The
// server runs full ICE (not ICE-lite), so the client's ICE credentials and
// candidates ride along with the DTLS parameters.
type ConnectParameters struct {
	DTLSParameters DTLSParameters `json:"dtls_parameters"`
	ICEParameters  ICEParameters  `json:"ice_parameters"`
	ICECandidates  []ICECandidate `json:"ice_candidates,omitempty"`
}

func iceParametersToWire(p webrtc.ICEParameters) ICEParameters {
	return ICEParameters{
		UsernameFragment: p.UsernameFragment,
		Password:         p.Password,
		ICELite:          p.ICELite,
	}
}

func iceParametersFromWire(p ICEParameters) webrtc.ICEParameters {
	return webrtc.ICEParameters{
		UsernameFragment: p.UsernameFragment,
		Password:         p.Password,
		ICELite:          p.ICELite,
	}
}

func iceCandidatesToWire(cands []webrtc.ICECandidate) []ICECandidate {
	out := make([]ICECandidate, 0, len(cands))
	for _, c := range cands {
		out = append(out, ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    c.Address,
			Protocol:   c.Protocol.String(),
			Port:       c.Port,
			Type:       c.Typ.String(),
		})
	}
	return out
}

func iceCandidatesFromWire(cands []ICECandidate) ([]webrtc.ICECandidate, error) {
	out := make([]webrtc.ICECandidate, 0, len(cands))
	for _, c := range cands {
		proto, err := webrtc.NewICEProtocol(c.Protocol)
		if err != nil {
			return nil, err
		}
		typ, err := webrtc.NewICECandidateType(c.Type)
		if err != nil {
			return nil, err
		}
		out = append(out, webrtc.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    c.Address,
			Protocol:   proto,
			Port:       c.Port,
			Typ:        typ,
			Component:  1,
		})
	}
	return out, nil
}

func dtlsParametersToWire(p webrtc.DTLSParameters) DTLSParameters {
	fps := make([]DTLSFingerprint, 0, len(p.Fingerprints))
	for _, fp := range p.Fingerprints {
		fps = append(fps, DTLSFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	return DTLSParameters{Role: dtlsRoleToWire(p.Role), Fingerprints: fps}
}

func dtlsParametersFromWire(p DTLSParameters) webrtc.DTLSParameters {
	fps := make([]webrtc.DTLSFingerprint, 0, len(p.Fingerprints))
	for _, fp := range p.Fingerprints {
		fps = append(fps, webrtc.DTLSFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	return webrtc.DTLSParameters{Role: dtlsRoleFromWire(p.Role), Fingerprints: fps}
}

func dtlsRoleToWire(r webrtc.DTLSRole) string {
	switch r {
	case webrtc.DTLSRoleClient:
		return "client"
	case webrtc.DTLSRoleServer:
		return "server"
	default:
		return "auto"
	}
}

func dtlsRoleFromWire(role string) webrtc.DTLSRole {
	switch role {
	case "client":
		return webrtc.DTLSRoleClient
	case "server":
		return webrtc.DTLSRoleServer
	default:
		return webrtc.DTLSRoleAuto
	}
}
