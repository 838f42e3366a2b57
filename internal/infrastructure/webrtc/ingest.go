package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"livebid/internal/core/domain"
	"livebid/internal/core/ports"
	apperrors "livebid/pkg/errors"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Capture failure reasons.
const (
	ReasonPermissionDenied = "permission denied"
	ReasonDeviceBusy       = "device busy"
	ReasonDeviceMissing    = "device missing"
)

// IngestConfig names the UDP addresses an encoder (ffmpeg, gstreamer) sends
// RTP to. An empty address disables that kind.
type IngestConfig struct {
	AudioAddr string
	VideoAddr string
	StreamID  string
}

// IngestSource turns RTP arriving on local UDP ports into publishable tracks.
type IngestSource struct {
	cfg    IngestConfig
	logger *zap.SugaredLogger
}

func NewIngestSource(cfg IngestConfig, logger *zap.SugaredLogger) *IngestSource {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.StreamID == "" {
		cfg.StreamID = "livebid"
	}
	return &IngestSource{cfg: cfg, logger: logger}
}

type ingestBinding struct {
	kind       domain.MediaKind
	addr       string
	capability webrtc.RTPCodecCapability
}

// Acquire binds every configured port. Either all tracks are returned or
// none are and the error is a MediaAcquisitionError.
func (s *IngestSource) Acquire(ctx context.Context) ([]ports.LocalTrack, error) {
	bindings := []ingestBinding{
		{domain.KindAudio, s.cfg.AudioAddr, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}},
		{domain.KindVideo, s.cfg.VideoAddr, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}},
	}

	var tracks []ports.LocalTrack
	release := func() {
		for _, t := range tracks {
			t.Stop()
		}
	}

	var lc net.ListenConfig
	for _, b := range bindings {
		if b.addr == "" {
			continue
		}
		conn, err := lc.ListenPacket(ctx, "udp", b.addr)
		if err != nil {
			release()
			return nil, acquisitionError(b.kind, b.addr, err)
		}
		local, err := webrtc.NewTrackLocalStaticRTP(b.capability, fmt.Sprintf("%s-%s", b.kind, uuid.NewString()[:8]), s.cfg.StreamID)
		if err != nil {
			conn.Close()
			release()
			return nil, apperrors.NewMediaAcquisitionError(ReasonDeviceMissing, err).WithContext("kind", b.kind)
		}

		t := &ingestTrack{kind: b.kind, conn: conn, local: local, logger: s.logger.With("kind", b.kind, "addr", conn.LocalAddr().String())}
		go t.pump()
		tracks = append(tracks, t)
	}

	if len(tracks) == 0 {
		return nil, apperrors.NewMediaAcquisitionError(ReasonDeviceMissing, nil)
	}
	s.logger.Infow("ingest listening", "tracks", len(tracks))
	return tracks, nil
}

func acquisitionError(kind domain.MediaKind, addr string, err error) error {
	reason := ReasonDeviceMissing
	switch {
	case errors.Is(err, os.ErrPermission), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		reason = ReasonPermissionDenied
	case errors.Is(err, syscall.EADDRINUSE):
		reason = ReasonDeviceBusy
	}
	return apperrors.NewMediaAcquisitionError(reason, err).
		WithContext("kind", kind).
		WithContext("addr", addr)
}

type ingestTrack struct {
	kind    domain.MediaKind
	conn    net.PacketConn
	local   *webrtc.TrackLocalStaticRTP
	packets atomic.Uint64
	once    sync.Once
	logger  *zap.SugaredLogger
}

func (t *ingestTrack) ID() string                    { return t.local.ID() }
func (t *ingestTrack) Kind() domain.MediaKind        { return t.kind }
func (t *ingestTrack) TrackLocal() webrtc.TrackLocal { return t.local }
func (t *ingestTrack) Addr() net.Addr                { return t.conn.LocalAddr() }

func (t *ingestTrack) Stop() error {
	var err error
	t.once.Do(func() {
		err = t.conn.Close()
		t.logger.Debugw("ingest stopped", "packets", t.packets.Load())
	})
	return err
}

func (t *ingestTrack) pump() {
	buf := make([]byte, 1500)
	for {
		n, _, err := t.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		t.packets.Add(1)
		if _, err := t.local.Write(buf[:n]); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			t.logger.Debugw("dropping ingest packet", "error", err)
		}
	}
}
