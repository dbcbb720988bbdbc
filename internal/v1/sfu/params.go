package sfu

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v3"
)

// Wire shapes for the opaque parameter blobs. The signaling core never
// looks inside these; they are typed only here, at the engine boundary.

type iceParametersJSON struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	ICELite          bool   `json:"iceLite,omitempty"`
}

type iceCandidateJSON struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Port       uint16 `json:"port"`
	Protocol   string `json:"protocol"`
	Type       string `json:"type"`
}

type dtlsFingerprintJSON struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type dtlsParametersJSON struct {
	Role         string                `json:"role,omitempty"`
	Fingerprints []dtlsFingerprintJSON `json:"fingerprints"`
}

// transportOptionsJSON is the client-facing description of a server-side
// transport, shaped the way WebRTC client libraries expect their
// createTransport options.
type transportOptionsJSON struct {
	ID             string             `json:"id"`
	ICEParameters  iceParametersJSON  `json:"iceParameters"`
	ICECandidates  []iceCandidateJSON `json:"iceCandidates"`
	DTLSParameters dtlsParametersJSON `json:"dtlsParameters"`
}

// remoteConnectParameters is the payload of connectTransport. Clients send
// their DTLS role and fingerprints plus the ICE credentials of their side;
// candidates are optional since the server answers connectivity checks
// rather than initiating them.
type remoteConnectParameters struct {
	Role             string                `json:"role,omitempty"`
	Fingerprints     []dtlsFingerprintJSON `json:"fingerprints"`
	ICEParameters    *iceParametersJSON    `json:"iceParameters,omitempty"`
	ICECandidates    []iceCandidateJSON    `json:"iceCandidates,omitempty"`
	DTLSParameters   *dtlsParametersJSON   `json:"dtlsParameters,omitempty"`
	UsernameFragment string                `json:"usernameFragment,omitempty"`
	Password         string                `json:"password,omitempty"`
}

type rtcpFeedbackJSON struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

type rtpCodecJSON struct {
	MimeType     string             `json:"mimeType"`
	PayloadType  uint8              `json:"payloadType,omitempty"`
	ClockRate    uint32             `json:"clockRate"`
	Channels     uint16             `json:"channels,omitempty"`
	Parameters   map[string]any     `json:"parameters,omitempty"`
	RTCPFeedback []rtcpFeedbackJSON `json:"rtcpFeedback,omitempty"`
}

type rtpEncodingJSON struct {
	SSRC uint32 `json:"ssrc,omitempty"`
	RID  string `json:"rid,omitempty"`
}

type rtcpParametersJSON struct {
	CName       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize,omitempty"`
}

// rtpParametersJSON covers both the produce request parameters and the
// parameters rendered into a consume answer.
type rtpParametersJSON struct {
	MID       string              `json:"mid,omitempty"`
	Codecs    []rtpCodecJSON      `json:"codecs"`
	Encodings []rtpEncodingJSON   `json:"encodings,omitempty"`
	RTCP      *rtcpParametersJSON `json:"rtcp,omitempty"`
}

// rtpCapabilitiesJSON is the receive-side capability descriptor clients
// declare on their second join and send with request-consume.
type rtpCapabilitiesJSON struct {
	Codecs []rtpCodecJSON `json:"codecs"`
}

func parseRemoteConnectParameters(raw json.RawMessage) (*remoteConnectParameters, error) {
	var params remoteConnectParameters
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("sfu: malformed dtls parameters: %w", err)
	}
	// Tolerate one level of nesting: some clients wrap the same fields in a
	// dtlsParameters object.
	if len(params.Fingerprints) == 0 && params.DTLSParameters != nil {
		params.Role = params.DTLSParameters.Role
		params.Fingerprints = params.DTLSParameters.Fingerprints
	}
	return &params, nil
}

func parseRTPParameters(raw json.RawMessage) (*rtpParametersJSON, error) {
	var params rtpParametersJSON
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("sfu: malformed rtp parameters: %w", err)
	}
	return &params, nil
}

func parseRTPCapabilities(raw json.RawMessage) (*rtpCapabilitiesJSON, error) {
	var caps rtpCapabilitiesJSON
	if err := json.Unmarshal(raw, &caps); err != nil {
		return nil, fmt.Errorf("sfu: malformed rtp capabilities: %w", err)
	}
	return &caps, nil
}

// dtlsRoleFromString maps the remote's announced role onto the local side.
// A client acting as DTLS client makes this side the server and vice versa;
// absent or "auto" lets the handshake decide.
func dtlsRoleFromString(remote string) webrtc.DTLSRole {
	switch strings.ToLower(remote) {
	case "server":
		return webrtc.DTLSRoleClient
	case "client":
		return webrtc.DTLSRoleServer
	default:
		return webrtc.DTLSRoleAuto
	}
}

func renderICECandidates(candidates []webrtc.ICECandidate) []iceCandidateJSON {
	rendered := make([]iceCandidateJSON, 0, len(candidates))
	for _, c := range candidates {
		rendered = append(rendered, iceCandidateJSON{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			IP:         c.Address,
			Port:       c.Port,
			Protocol:   c.Protocol.String(),
			Type:       c.Typ.String(),
		})
	}
	return rendered
}

func renderDTLSParameters(params webrtc.DTLSParameters) dtlsParametersJSON {
	fingerprints := make([]dtlsFingerprintJSON, 0, len(params.Fingerprints))
	for _, f := range params.Fingerprints {
		fingerprints = append(fingerprints, dtlsFingerprintJSON{
			Algorithm: f.Algorithm,
			Value:     f.Value,
		})
	}
	return dtlsParametersJSON{Role: "auto", Fingerprints: fingerprints}
}
