package webrtc

// H264Depacketizer turns RTP H264 payloads (RFC 6184) back into NAL units.
// FU-A reassembly state is per instance, one per track.
type H264Depacketizer struct {
	frag    []byte
	lastSeq uint16
}

func NewH264Depacketizer() *H264Depacketizer {
	return &H264Depacketizer{}
}

// Depacketize extracts NAL units from an RTP H264 payload.
// Handles single NAL, STAP-A, and FU-A packet types. seq is the RTP
// sequence number; a gap inside an FU-A chain drops the partial NAL.
func (d *H264Depacketizer) Depacketize(seq uint16, payload []byte) [][]byte {
	if len(payload) < 1 {
		return nil
	}

	naluType := payload[0] & 0x1f

	switch {
	case naluType >= 1 && naluType <= 23:
		d.frag = nil
		return [][]byte{payload}

	case naluType == 24:
		d.frag = nil
		return d.depacketizeSTAPA(payload)

	case naluType == 28:
		return d.depacketizeFUA(seq, payload)

	default:
		return nil
	}
}

func (d *H264Depacketizer) depacketizeSTAPA(payload []byte) [][]byte {
	var nalus [][]byte
	offset := 1 // skip STAP-A header byte

	for offset+2 <= len(payload) {
		size := int(payload[offset])<<8 | int(payload[offset+1])
		offset += 2
		if size == 0 || offset+size > len(payload) {
			break
		}
		nalus = append(nalus, payload[offset:offset+size])
		offset += size
	}
	return nalus
}

func (d *H264Depacketizer) depacketizeFUA(seq uint16, payload []byte) [][]byte {
	if len(payload) < 2 {
		return nil
	}

	fnri := payload[0] & 0xe0 // F + NRI bits from FU indicator
	fuHeader := payload[1]
	start := fuHeader&0x80 != 0
	end := fuHeader&0x40 != 0
	naluType := fuHeader & 0x1f

	switch {
	case start:
		// Reconstruct NAL header: F+NRI from FU indicator + type from FU header
		d.frag = make([]byte, 0, len(payload)*4)
		d.frag = append(d.frag, fnri|naluType)
		d.frag = append(d.frag, payload[2:]...)
	case d.frag == nil:
		return nil
	case seq != d.lastSeq+1:
		d.frag = nil
		return nil
	default:
		d.frag = append(d.frag, payload[2:]...)
	}
	d.lastSeq = seq

	if end {
		nalu := d.frag
		d.frag = nil
		return [][]byte{nalu}
	}

	return nil
}
