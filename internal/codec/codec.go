// Package codec holds the fixed codec table shared by the peer connection
// setup and the offer rewrite.
package codec

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/sfukit/sfuclient/internal/domain"
)

// Fixed payload types. The SFU expects publishers to use these numbers.
const (
	PayloadVP8  uint8 = 96
	PayloadVP9  uint8 = 98
	PayloadH264 uint8 = 102
	PayloadOpus uint8 = 111
)

const (
	h264Fmtp = "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f"
	vp9Fmtp  = "profile-id=0"
	opusFmtp = "minptime=10;useinbandfec=1"
)

// Feedback is the RTCP feedback set advertised for the video payload.
func Feedback() []webrtc.RTCPFeedback {
	return []webrtc.RTCPFeedback{
		{Type: webrtc.TypeRTCPFBTransportCC},
		{Type: webrtc.TypeRTCPFBCCM, Parameter: "fir"},
		{Type: webrtc.TypeRTCPFBNACK},
		{Type: webrtc.TypeRTCPFBNACK, Parameter: "pli"},
		{Type: webrtc.TypeRTCPFBGoogREMB},
	}
}

// Video returns the registration parameters for a video codec.
func Video(c domain.Codec) (webrtc.RTPCodecParameters, error) {
	var p webrtc.RTPCodecParameters
	switch c {
	case domain.CodecVP8:
		p.MimeType, p.PayloadType = webrtc.MimeTypeVP8, webrtc.PayloadType(PayloadVP8)
	case domain.CodecVP9:
		p.MimeType, p.PayloadType = webrtc.MimeTypeVP9, webrtc.PayloadType(PayloadVP9)
		p.SDPFmtpLine = vp9Fmtp
	case domain.CodecH264:
		p.MimeType, p.PayloadType = webrtc.MimeTypeH264, webrtc.PayloadType(PayloadH264)
		p.SDPFmtpLine = h264Fmtp
	default:
		return p, fmt.Errorf("unsupported codec %q", c)
	}
	p.ClockRate = 90000
	p.RTCPFeedback = Feedback()
	return p, nil
}

// Opus returns the registration parameters for the audio codec.
func Opus() webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: opusFmtp,
		},
		PayloadType: webrtc.PayloadType(PayloadOpus),
	}
}

// encodingName is the rtpmap encoding name for a codec.
func encodingName(c domain.Codec) string {
	switch c {
	case domain.CodecVP9:
		return "VP9"
	case domain.CodecH264:
		return "H264"
	default:
		return "VP8"
	}
}
