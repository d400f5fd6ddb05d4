package codec

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/sfukit/sfuclient/internal/domain"
)

// Rewrite restricts the video section of an offer to one codec at its fixed
// payload type and optionally caps its bandwidth (kbps, 0 leaves it alone).
// Retransmission bindings and secondary SSRCs are removed. Rewriting an
// already rewritten offer yields the same text.
func Rewrite(raw string, c domain.Codec, bandwidthKbps int) (string, error) {
	var desc sdp.SessionDescription
	if err := desc.UnmarshalString(raw); err != nil {
		return "", fmt.Errorf("parse sdp: %w", err)
	}
	if err := Apply(&desc, c, bandwidthKbps); err != nil {
		return "", err
	}
	out, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal sdp: %w", err)
	}
	return string(out), nil
}

// Apply performs Rewrite on a parsed description in place.
func Apply(desc *sdp.SessionDescription, c domain.Codec, bandwidthKbps int) error {
	params, err := Video(c)
	if err != nil {
		return err
	}
	if bandwidthKbps < 0 {
		return fmt.Errorf("negative bandwidth %d", bandwidthKbps)
	}

	pt := strconv.Itoa(int(params.PayloadType))
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "video" {
			continue
		}
		md.MediaName.Formats = []string{pt}
		md.Attributes = rewriteAttributes(md.Attributes, codecAttributes(c, pt, params.SDPFmtpLine))
		if bandwidthKbps > 0 {
			md.Bandwidth = []sdp.Bandwidth{{Type: "AS", Bandwidth: uint64(bandwidthKbps)}}
		}
	}
	return nil
}

func codecAttributes(c domain.Codec, pt, fmtp string) []sdp.Attribute {
	attrs := []sdp.Attribute{
		sdp.NewAttribute("rtpmap", pt+" "+encodingName(c)+"/90000"),
	}
	if fmtp != "" {
		attrs = append(attrs, sdp.NewAttribute("fmtp", pt+" "+fmtp))
	}
	for _, fb := range Feedback() {
		v := pt + " " + fb.Type
		if fb.Parameter != "" {
			v += " " + fb.Parameter
		}
		attrs = append(attrs, sdp.NewAttribute("rtcp-fb", v))
	}
	return attrs
}

// rewriteAttributes replaces every rtpmap, fmtp and rtcp-fb line with the
// codec block, placed where the first of them was, and keeps only the
// primary SSRC.
func rewriteAttributes(in []sdp.Attribute, block []sdp.Attribute) []sdp.Attribute {
	primary := primarySSRC(in)
	out := make([]sdp.Attribute, 0, len(in))
	inserted := false
	for _, a := range in {
		switch a.Key {
		case "rtpmap", "fmtp", "rtcp-fb":
			if !inserted {
				out = append(out, block...)
				inserted = true
			}
		case "ssrc-group":
		case "ssrc":
			if primary == "" || ssrcOf(a.Value) == primary {
				out = append(out, a)
			}
		default:
			out = append(out, a)
		}
	}
	if !inserted {
		out = append(out, block...)
	}
	return out
}

// primarySSRC is the first SSRC of the first ssrc-group, or "" without groups.
func primarySSRC(attrs []sdp.Attribute) string {
	for _, a := range attrs {
		if a.Key != "ssrc-group" {
			continue
		}
		fields := strings.Fields(a.Value)
		if len(fields) >= 2 {
			return fields[1]
		}
	}
	return ""
}

func ssrcOf(value string) string {
	if i := strings.IndexByte(value, ' '); i >= 0 {
		return value[:i]
	}
	return value
}
