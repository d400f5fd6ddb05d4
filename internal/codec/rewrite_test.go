package codec

import (
	"os"
	"strings"
	"testing"

	"github.com/pion/sdp/v3"

	"github.com/sfukit/sfuclient/internal/domain"
)

func loadOffer(t *testing.T) string {
	t.Helper()
	b, err := os.ReadFile("testdata/offer.sdp")
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func videoSection(t *testing.T, raw string) *sdp.MediaDescription {
	t.Helper()
	var desc sdp.SessionDescription
	if err := desc.UnmarshalString(raw); err != nil {
		t.Fatalf("parse rewritten sdp: %v", err)
	}
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media == "video" {
			return md
		}
	}
	t.Fatal("no video section")
	return nil
}

func values(md *sdp.MediaDescription, key string) []string {
	var out []string
	for _, a := range md.Attributes {
		if a.Key == key {
			out = append(out, a.Value)
		}
	}
	return out
}

func TestRewrite_RestrictsVideoToCodec(t *testing.T) {
	tests := []struct {
		codec  domain.Codec
		pt     string
		rtpmap string
		fmtp   []string
	}{
		{domain.CodecVP8, "96", "96 VP8/90000", nil},
		{domain.CodecVP9, "98", "98 VP9/90000", []string{"98 profile-id=0"}},
		{domain.CodecH264, "102", "102 H264/90000", []string{"102 " + h264Fmtp}},
	}

	for _, tt := range tests {
		t.Run(string(tt.codec), func(t *testing.T) {
			out, err := Rewrite(loadOffer(t), tt.codec, 0)
			if err != nil {
				t.Fatalf("Rewrite: %v", err)
			}
			md := videoSection(t, out)

			if got := md.MediaName.Formats; len(got) != 1 || got[0] != tt.pt {
				t.Errorf("formats = %v, want [%s]", got, tt.pt)
			}
			if got := values(md, "rtpmap"); len(got) != 1 || got[0] != tt.rtpmap {
				t.Errorf("rtpmap = %v", got)
			}
			if got := values(md, "fmtp"); strings.Join(got, "|") != strings.Join(tt.fmtp, "|") {
				t.Errorf("fmtp = %v, want %v", got, tt.fmtp)
			}

			fb := values(md, "rtcp-fb")
			want := []string{
				tt.pt + " transport-cc",
				tt.pt + " ccm fir",
				tt.pt + " nack",
				tt.pt + " nack pli",
				tt.pt + " goog-remb",
			}
			if strings.Join(fb, "|") != strings.Join(want, "|") {
				t.Errorf("rtcp-fb = %v, want %v", fb, want)
			}
			if len(md.Bandwidth) != 0 {
				t.Errorf("unexpected bandwidth %v", md.Bandwidth)
			}
		})
	}
}

func TestRewrite_DropsRetransmissionAndSecondarySSRC(t *testing.T) {
	out, err := Rewrite(loadOffer(t), domain.CodecVP8, 0)
	if err != nil {
		t.Fatal(err)
	}
	md := videoSection(t, out)

	if strings.Contains(out, "rtx/90000") || strings.Contains(out, "apt=") {
		t.Error("rtx binding survived")
	}
	if g := values(md, "ssrc-group"); len(g) != 0 {
		t.Errorf("ssrc-group survived: %v", g)
	}
	for _, v := range values(md, "ssrc") {
		if !strings.HasPrefix(v, "2222 ") {
			t.Errorf("secondary ssrc line kept: %q", v)
		}
	}
	if n := len(values(md, "ssrc")); n != 2 {
		t.Errorf("expected 2 primary ssrc lines, got %d", n)
	}
	if got := values(md, "candidate"); len(got) != 1 {
		t.Errorf("candidates changed: %v", got)
	}
}

func TestRewrite_LeavesAudioAlone(t *testing.T) {
	out, err := Rewrite(loadOffer(t), domain.CodecH264, 500)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "m=audio 9 UDP/TLS/RTP/SAVPF 111") {
		t.Error("audio m-line changed")
	}
	if !strings.Contains(out, "a=fmtp:111 minptime=10;useinbandfec=1") {
		t.Error("audio fmtp changed")
	}
	if strings.Count(out, "b=AS:") != 1 {
		t.Error("bandwidth should apply to the video section only")
	}
}

func TestRewrite_Bandwidth(t *testing.T) {
	out, err := Rewrite(loadOffer(t), domain.CodecVP8, 768)
	if err != nil {
		t.Fatal(err)
	}
	md := videoSection(t, out)
	if len(md.Bandwidth) != 1 || md.Bandwidth[0].Type != "AS" || md.Bandwidth[0].Bandwidth != 768 {
		t.Errorf("bandwidth = %+v", md.Bandwidth)
	}
}

func TestRewrite_Idempotent(t *testing.T) {
	for _, c := range []domain.Codec{domain.CodecVP8, domain.CodecVP9, domain.CodecH264} {
		once, err := Rewrite(loadOffer(t), c, 300)
		if err != nil {
			t.Fatal(err)
		}
		twice, err := Rewrite(once, c, 300)
		if err != nil {
			t.Fatal(err)
		}
		if once != twice {
			t.Errorf("%s: rewrite is not idempotent\nonce:\n%s\ntwice:\n%s", c, once, twice)
		}
	}
}

func TestRewrite_Errors(t *testing.T) {
	if _, err := Rewrite("not sdp", domain.CodecVP8, 0); err == nil {
		t.Error("expected parse error")
	}
	if _, err := Rewrite(loadOffer(t), "av1", 0); err == nil {
		t.Error("expected unsupported codec error")
	}
	if _, err := Rewrite(loadOffer(t), domain.CodecVP8, -1); err == nil {
		t.Error("expected negative bandwidth error")
	}
}

func TestVideo(t *testing.T) {
	p, err := Video(domain.CodecH264)
	if err != nil {
		t.Fatal(err)
	}
	if p.PayloadType != 102 || p.ClockRate != 90000 || p.SDPFmtpLine != h264Fmtp {
		t.Errorf("unexpected parameters %+v", p)
	}
	if len(p.RTCPFeedback) != 5 {
		t.Errorf("feedback = %v", p.RTCPFeedback)
	}
	if Opus().PayloadType != 111 {
		t.Error("opus payload type")
	}
}
