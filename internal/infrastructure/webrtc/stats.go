package webrtc

import (
	"strings"
	"sync"
	"time"

	"livebid/internal/core/domain"

	"github.com/pion/rtp"
)

// rtpStats accumulates receive statistics for one SSRC. Loss and bitrate are
// reported per sampling interval; jitter is the running RFC 3550 estimate.
type rtpStats struct {
	mu        sync.Mutex
	clockRate float64

	started   bool
	baseSeq   uint16
	cycles    uint32
	maxSeq    uint16
	received  uint64
	keyframes uint64

	lastTransit float64
	jitter      float64 // timestamp units

	// interval snapshot
	prevExpected uint64
	prevReceived uint64
	bytes        uint64
	since        time.Time
}

func newRTPStats(clockRate uint32) *rtpStats {
	if clockRate == 0 {
		clockRate = 90000
	}
	return &rtpStats{clockRate: float64(clockRate)}
}

func (s *rtpStats) observe(p *rtp.Packet, arrival time.Time, keyframe bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		s.started = true
		s.baseSeq = p.SequenceNumber
		s.maxSeq = p.SequenceNumber
		s.since = arrival
	} else if delta := p.SequenceNumber - s.maxSeq; delta < 1<<15 {
		if p.SequenceNumber < s.maxSeq {
			s.cycles += 1 << 16
		}
		s.maxSeq = p.SequenceNumber
	}

	s.received++
	s.bytes += uint64(len(p.Payload))
	if keyframe {
		s.keyframes++
	}

	arrivalUnits := float64(arrival.UnixNano()) / float64(time.Second) * s.clockRate
	transit := arrivalUnits - float64(p.Timestamp)
	if s.received > 1 {
		d := transit - s.lastTransit
		if d < 0 {
			d = -d
		}
		s.jitter += (d - s.jitter) / 16
	}
	s.lastTransit = transit
}

func (s *rtpStats) expected() uint64 {
	return uint64(s.cycles) + uint64(s.maxSeq) - uint64(s.baseSeq) + 1
}

// sample returns the stats since the previous call and starts a new interval.
func (s *rtpStats) sample(now time.Time) domain.ConsumerStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return domain.ConsumerStats{}
	}

	expected := s.expected()
	intervalExpected := expected - s.prevExpected
	intervalReceived := s.received - s.prevReceived

	var loss float64
	if intervalExpected > 0 && intervalReceived < intervalExpected {
		loss = float64(intervalExpected-intervalReceived) / float64(intervalExpected)
	}

	var kbps float64
	if elapsed := now.Sub(s.since).Seconds(); elapsed > 0 {
		kbps = float64(s.bytes*8) / elapsed / 1000
	}

	s.prevExpected = expected
	s.prevReceived = s.received
	s.bytes = 0
	s.since = now

	return domain.ConsumerStats{
		PacketLoss:  loss,
		JitterMs:    s.jitter / s.clockRate * 1000,
		BitrateKbps: kbps,
	}
}

func (s *rtpStats) keyframeCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keyframes
}

// isKeyframe inspects a VP8 or H.264 payload for the start of an intra frame.
func isKeyframe(mimeType string, payload []byte) bool {
	switch strings.ToLower(mimeType) {
	case "video/vp8":
		return vp8Keyframe(payload)
	case "video/h264":
		return h264Keyframe(payload)
	}
	return false
}

func vp8Keyframe(b []byte) bool {
	if len(b) < 1 {
		return false
	}
	start := b[0]&0x10 != 0
	pid := b[0] & 0x07
	i := 1
	if b[0]&0x80 != 0 {
		if len(b) < 2 {
			return false
		}
		ext := b[1]
		i = 2
		if ext&0x80 != 0 { // picture id
			if len(b) <= i {
				return false
			}
			if b[i]&0x80 != 0 {
				i += 2
			} else {
				i++
			}
		}
		if ext&0x40 != 0 { // TL0PICIDX
			i++
		}
		if ext&0x20 != 0 || ext&0x10 != 0 { // TID/KEYIDX
			i++
		}
	}
	if !start || pid != 0 || len(b) <= i {
		return false
	}
	// P bit of the VP8 frame header is 0 on keyframes.
	return b[i]&0x01 == 0
}

func h264Keyframe(b []byte) bool {
	if len(b) < 1 {
		return false
	}
	switch nal := b[0] & 0x1F; nal {
	case 5:
		return true
	case 24: // STAP-A
		for i := 1; i+2 < len(b); {
			size := int(b[i])<<8 | int(b[i+1])
			if i+2 < len(b) && b[i+2]&0x1F == 5 {
				return true
			}
			i += 2 + size
		}
	case 28: // FU-A
		return len(b) > 1 && b[1]&0x80 != 0 && b[1]&0x1F == 5
	}
	return false
}
