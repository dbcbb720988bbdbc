package sfu

import (
	"encoding/json"
	"strings"

	"github.com/pion/webrtc/v3"

	"github.com/huddlelabs/huddle/internal/v1/types"
)

// codecCapability is one router codec: the advertised capability plus the
// registration data pion needs.
type codecCapability struct {
	Kind                 types.MediaKindType
	MimeType             string
	PreferredPayloadType uint8
	ClockRate            uint32
	Channels             uint16
	SDPFmtpLine          string
	Parameters           map[string]any
	RTCPFeedback         []rtcpFeedbackJSON
}

var videoRTCPFeedback = []rtcpFeedbackJSON{
	{Type: "nack"},
	{Type: "nack", Parameter: "pli"},
	{Type: "ccm", Parameter: "fir"},
	{Type: "goog-remb"},
	{Type: "transport-cc"},
}

// routerCodecs is the codec set the router hosts. Video codecs carry the
// x-google-start-bitrate hint; H.264 is offered in baseline and high
// profile, packetization-mode 1, level asymmetry allowed.
func routerCodecs() []codecCapability {
	return []codecCapability{
		{
			Kind:                 types.MediaKindAudio,
			MimeType:             webrtc.MimeTypeOpus,
			PreferredPayloadType: 111,
			ClockRate:            48000,
			Channels:             2,
			SDPFmtpLine:          "minptime=10;useinbandfec=1;stereo=1",
			Parameters: map[string]any{
				"minptime":     10,
				"useinbandfec": 1,
				"stereo":       1,
			},
			RTCPFeedback: []rtcpFeedbackJSON{{Type: "transport-cc"}},
		},
		{
			Kind:                 types.MediaKindVideo,
			MimeType:             webrtc.MimeTypeVP8,
			PreferredPayloadType: 96,
			ClockRate:            90000,
			Parameters: map[string]any{
				"x-google-start-bitrate": 1000,
			},
			RTCPFeedback: videoRTCPFeedback,
		},
		{
			Kind:                 types.MediaKindVideo,
			MimeType:             webrtc.MimeTypeVP9,
			PreferredPayloadType: 98,
			ClockRate:            90000,
			SDPFmtpLine:          "profile-id=0",
			Parameters: map[string]any{
				"profile-id":             0,
				"x-google-start-bitrate": 1000,
			},
			RTCPFeedback: videoRTCPFeedback,
		},
		{
			Kind:                 types.MediaKindVideo,
			MimeType:             webrtc.MimeTypeH264,
			PreferredPayloadType: 102,
			ClockRate:            90000,
			SDPFmtpLine:          "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
			Parameters: map[string]any{
				"level-asymmetry-allowed": 1,
				"packetization-mode":      1,
				"profile-level-id":        "42e01f",
				"x-google-start-bitrate":  1000,
			},
			RTCPFeedback: videoRTCPFeedback,
		},
		{
			Kind:                 types.MediaKindVideo,
			MimeType:             webrtc.MimeTypeH264,
			PreferredPayloadType: 104,
			ClockRate:            90000,
			SDPFmtpLine:          "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=4d0032",
			Parameters: map[string]any{
				"level-asymmetry-allowed": 1,
				"packetization-mode":      1,
				"profile-level-id":        "4d0032",
				"x-google-start-bitrate":  1000,
			},
			RTCPFeedback: videoRTCPFeedback,
		},
	}
}

// router owns the codec table and the consumability decision. It is
// immutable after construction.
type router struct {
	codecs       []codecCapability
	capabilities json.RawMessage
}

func newRouter() (*router, error) {
	r := &router{codecs: routerCodecs()}

	caps, err := r.renderCapabilities()
	if err != nil {
		return nil, err
	}
	r.capabilities = caps
	return r, nil
}

// routerCapabilitiesJSON is the advertised shape clients load before their
// second join.
type routerCapabilitiesJSON struct {
	Codecs           []routerCodecJSON     `json:"codecs"`
	HeaderExtensions []headerExtensionJSON `json:"headerExtensions"`
}

type routerCodecJSON struct {
	Kind                 string             `json:"kind"`
	MimeType             string             `json:"mimeType"`
	PreferredPayloadType uint8              `json:"preferredPayloadType"`
	ClockRate            uint32             `json:"clockRate"`
	Channels             uint16             `json:"channels,omitempty"`
	Parameters           map[string]any     `json:"parameters,omitempty"`
	RTCPFeedback         []rtcpFeedbackJSON `json:"rtcpFeedback,omitempty"`
}

type headerExtensionJSON struct {
	Kind        string `json:"kind"`
	URI         string `json:"uri"`
	PreferredID int    `json:"preferredId"`
}

func (r *router) renderCapabilities() (json.RawMessage, error) {
	out := routerCapabilitiesJSON{
		HeaderExtensions: []headerExtensionJSON{
			{Kind: "audio", URI: "urn:ietf:params:rtp-hdrext:sdes:mid", PreferredID: 1},
			{Kind: "video", URI: "urn:ietf:params:rtp-hdrext:sdes:mid", PreferredID: 1},
			{Kind: "video", URI: "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time", PreferredID: 4},
			{Kind: "video", URI: "http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01", PreferredID: 5},
		},
	}
	for _, c := range r.codecs {
		out.Codecs = append(out.Codecs, routerCodecJSON{
			Kind:                 string(c.Kind),
			MimeType:             c.MimeType,
			PreferredPayloadType: c.PreferredPayloadType,
			ClockRate:            c.ClockRate,
			Channels:             c.Channels,
			Parameters:           c.Parameters,
			RTCPFeedback:         c.RTCPFeedback,
		})
	}
	return json.Marshal(out)
}

// registerTo loads the codec table into a pion media engine.
func (r *router) registerTo(m *webrtc.MediaEngine) error {
	for _, c := range r.codecs {
		feedback := make([]webrtc.RTCPFeedback, 0, len(c.RTCPFeedback))
		for _, fb := range c.RTCPFeedback {
			feedback = append(feedback, webrtc.RTCPFeedback{Type: fb.Type, Parameter: fb.Parameter})
		}

		kind := webrtc.RTPCodecTypeVideo
		if c.Kind == types.MediaKindAudio {
			kind = webrtc.RTPCodecTypeAudio
		}

		err := m.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     c.MimeType,
				ClockRate:    c.ClockRate,
				Channels:     c.Channels,
				SDPFmtpLine:  c.SDPFmtpLine,
				RTCPFeedback: feedback,
			},
			PayloadType: webrtc.PayloadType(c.PreferredPayloadType),
		}, kind)
		if err != nil {
			return err
		}
	}
	return nil
}

// selectCodec resolves the produce parameters against the router table. The
// first codec the client names that the router hosts wins; H.264 profiles
// are told apart by profile-level-id.
func (r *router) selectCodec(kind types.MediaKindType, params *rtpParametersJSON) (codecCapability, error) {
	for _, requested := range params.Codecs {
		for _, hosted := range r.codecs {
			if hosted.Kind != kind {
				continue
			}
			if !codecMatches(hosted, requested) {
				continue
			}
			return hosted, nil
		}
	}
	return codecCapability{}, ErrUnsupportedCodec
}

// canConsume reports whether a consumer declaring caps can receive the
// given producer codec.
func (r *router) canConsume(producerCodec codecCapability, caps *rtpCapabilitiesJSON) bool {
	for _, c := range caps.Codecs {
		if codecMatches(producerCodec, c) {
			return true
		}
	}
	return false
}

func codecMatches(hosted codecCapability, offered rtpCodecJSON) bool {
	if !strings.EqualFold(hosted.MimeType, offered.MimeType) {
		return false
	}
	if offered.ClockRate != 0 && offered.ClockRate != hosted.ClockRate {
		return false
	}
	if hosted.Kind == types.MediaKindAudio && offered.Channels != 0 && offered.Channels != hosted.Channels {
		return false
	}
	if strings.EqualFold(hosted.MimeType, webrtc.MimeTypeH264) {
		if hostedProfile, ok := hosted.Parameters["profile-level-id"].(string); ok {
			if offeredProfile := profileLevelID(offered.Parameters); offeredProfile != "" && !strings.EqualFold(offeredProfile, hostedProfile) {
				return false
			}
		}
	}
	return true
}

func profileLevelID(params map[string]any) string {
	if params == nil {
		return ""
	}
	if v, ok := params["profile-level-id"].(string); ok {
		return v
	}
	return ""
}

// consumerRTPParameters renders the parameters a client needs to receive
// the consumer track: the matched codec at its router payload type plus the
// sender's SSRC.
func (r *router) consumerRTPParameters(codec codecCapability, ssrc uint32) (json.RawMessage, error) {
	params := rtpParametersJSON{
		Codecs: []rtpCodecJSON{{
			MimeType:     codec.MimeType,
			PayloadType:  codec.PreferredPayloadType,
			ClockRate:    codec.ClockRate,
			Channels:     codec.Channels,
			Parameters:   codec.Parameters,
			RTCPFeedback: codec.RTCPFeedback,
		}},
		Encodings: []rtpEncodingJSON{{SSRC: ssrc}},
		RTCP:      &rtcpParametersJSON{CName: "huddle-sfu", ReducedSize: true},
	}
	return json.Marshal(params)
}
