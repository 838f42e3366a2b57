// Package webrtc implements the media device ports on pion's ORTC API: one
// ICE/DTLS transport pair per direction, RTPSenders for producers and
// RTPReceivers for consumers.
package webrtc

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"livebid/internal/core/domain"
	"livebid/internal/core/ports"
	apperrors "livebid/pkg/errors"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config holds ICE settings shared by every transport the device creates.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// supportedMime lists the codecs the device can send and receive.
var supportedMime = map[string]domain.MediaKind{
	strings.ToLower(webrtc.MimeTypeOpus): domain.KindAudio,
	strings.ToLower(webrtc.MimeTypeVP8):  domain.KindVideo,
	strings.ToLower(webrtc.MimeTypeVP9):  domain.KindVideo,
	strings.ToLower(webrtc.MimeTypeH264): domain.KindVideo,
}

// Device loads router capabilities into a MediaEngine and builds transports
// from it.
type Device struct {
	config Config
	logger *zap.SugaredLogger

	mu     sync.RWMutex
	api    *webrtc.API
	caps   domain.RTPCapabilities
	kinds  map[domain.MediaKind]bool
	loaded bool
}

func NewDevice(config Config, logger *zap.SugaredLogger) *Device {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Device{config: config, logger: logger, kinds: make(map[domain.MediaKind]bool)}
}

// Load registers every router codec the device supports. Loading twice is an
// error; a device is bound to one router.
func (d *Device) Load(caps domain.RTPCapabilities) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loaded {
		return apperrors.NewInvalidStateError("device already loaded")
	}

	m := &webrtc.MediaEngine{}
	var usable domain.RTPCapabilities
	kinds := make(map[domain.MediaKind]bool)

	for _, c := range caps.Codecs {
		kind, ok := supportedMime[strings.ToLower(c.MimeType)]
		if !ok || (c.Kind != "" && c.Kind != kind) {
			continue
		}
		params := toCodecParameters(c)
		if err := m.RegisterCodec(params, codecType(kind)); err != nil {
			d.logger.Debugw("skipping codec", "mime_type", c.MimeType, "error", err)
			continue
		}
		c.Kind = kind
		usable.Codecs = append(usable.Codecs, c)
		kinds[kind] = true
	}
	if len(usable.Codecs) == 0 {
		return apperrors.NewTransportNegotiationError("router offers no supported codec", nil)
	}

	for _, ext := range caps.HeaderExtensions {
		kindsFor := []domain.MediaKind{domain.KindAudio, domain.KindVideo}
		if ext.Kind != "" {
			kindsFor = []domain.MediaKind{ext.Kind}
		}
		for _, k := range kindsFor {
			if err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: ext.URI}, codecType(k)); err != nil {
				d.logger.Debugw("skipping header extension", "uri", ext.URI, "error", err)
			}
		}
		usable.HeaderExtensions = append(usable.HeaderExtensions, ext)
	}

	se := webrtc.SettingEngine{}
	if d.config.PortRange.Min > 0 && d.config.PortRange.Max > 0 {
		if err := se.SetEphemeralUDPPortRange(d.config.PortRange.Min, d.config.PortRange.Max); err != nil {
			return fmt.Errorf("port range: %w", err)
		}
	}

	d.api = webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se))
	d.caps = usable
	d.kinds = kinds
	d.loaded = true

	d.logger.Infow("device loaded", "codecs", len(usable.Codecs), "audio", kinds[domain.KindAudio], "video", kinds[domain.KindVideo])
	return nil
}

func (d *Device) Loaded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.loaded
}

func (d *Device) RTPCapabilities() domain.RTPCapabilities {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return domain.RTPCapabilities{
		Codecs:           append([]domain.RTPCodec(nil), d.caps.Codecs...),
		HeaderExtensions: append([]domain.RTPHeaderExtension(nil), d.caps.HeaderExtensions...),
	}
}

func (d *Device) CanProduce(kind domain.MediaKind) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.kinds[kind]
}

func (d *Device) codecFor(kind domain.MediaKind) (domain.RTPCodec, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, c := range d.caps.Codecs {
		if c.Kind == kind {
			return c, true
		}
	}
	return domain.RTPCodec{}, false
}

func (d *Device) CreateSendTransport(opts domain.TransportOptions, h ports.TransportHandler) (ports.SendTransport, error) {
	t, err := d.newTransport(opts, domain.DirectionSend, h)
	if err != nil {
		return nil, err
	}
	return &SendTransport{transport: t}, nil
}

func (d *Device) CreateRecvTransport(opts domain.TransportOptions, h ports.TransportHandler) (ports.RecvTransport, error) {
	t, err := d.newTransport(opts, domain.DirectionRecv, h)
	if err != nil {
		return nil, err
	}
	return &RecvTransport{transport: t}, nil
}

func (d *Device) newTransport(opts domain.TransportOptions, dir domain.TransportDirection, h ports.TransportHandler) (*transport, error) {
	d.mu.RLock()
	api := d.api
	d.mu.RUnlock()
	if api == nil {
		return nil, apperrors.NewInvalidStateError("device not loaded")
	}

	candidates, err := toICECandidates(opts.ICECandidates)
	if err != nil {
		return nil, apperrors.NewTransportNegotiationError("remote ICE candidates", err)
	}

	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: d.config.ICEServers})
	if err != nil {
		return nil, apperrors.NewTransportNegotiationError("ICE gatherer", err)
	}
	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		gatherer.Close()
		return nil, apperrors.NewTransportNegotiationError("DTLS transport", err)
	}
	if err := gatherer.Gather(); err != nil {
		dtls.Stop()
		gatherer.Close()
		return nil, apperrors.NewTransportNegotiationError("ICE gathering", err)
	}

	t := &transport{
		id:               opts.ID,
		direction:        dir,
		device:           d,
		handler:          h,
		api:              api,
		gatherer:         gatherer,
		ice:              ice,
		dtls:             dtls,
		remoteICE:        toICEParameters(opts.ICEParameters),
		remoteCandidates: candidates,
		remoteDTLS:       toDTLSParameters(opts.DTLSParameters),
		closed:           make(chan struct{}),
		logger:           d.logger.With("transport_id", opts.ID, "direction", dir),
	}
	return t, nil
}

func codecType(kind domain.MediaKind) webrtc.RTPCodecType {
	return webrtc.NewRTPCodecType(string(kind))
}

func payloadType(c domain.RTPCodec) uint8 {
	if c.PayloadType != 0 {
		return c.PayloadType
	}
	return c.PreferredPayloadType
}

func toCodecParameters(c domain.RTPCodec) webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    c.MimeType,
			ClockRate:   c.ClockRate,
			Channels:    c.Channels,
			SDPFmtpLine: fmtpLine(c.Parameters),
		},
		PayloadType: webrtc.PayloadType(payloadType(c)),
	}
}

func fromCodecParameters(kind domain.MediaKind, p webrtc.RTPCodecParameters) domain.RTPCodec {
	return domain.RTPCodec{
		Kind:        kind,
		MimeType:    p.MimeType,
		PayloadType: uint8(p.PayloadType),
		ClockRate:   p.ClockRate,
		Channels:    p.Channels,
		Parameters:  parseFmtp(p.SDPFmtpLine),
	}
}

// fmtpLine renders codec parameters as key=value pairs in a stable order.
func fmtpLine(params map[string]interface{}) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return strings.Join(parts, ";")
}

func parseFmtp(line string) map[string]interface{} {
	if line == "" {
		return nil
	}
	out := make(map[string]interface{})
	for _, part := range strings.Split(line, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || k == "" {
			continue
		}
		out[k] = v
	}
	return out
}

func toICEParameters(p domain.ICEParameters) webrtc.ICEParameters {
	return webrtc.ICEParameters{UsernameFragment: p.UsernameFragment, Password: p.Password, ICELite: p.ICELite}
}

func toICECandidates(in []domain.ICECandidate) ([]webrtc.ICECandidate, error) {
	out := make([]webrtc.ICECandidate, 0, len(in))
	for _, c := range in {
		proto, err := webrtc.NewICEProtocol(strings.ToLower(c.Protocol))
		if err != nil {
			return nil, err
		}
		typ, err := webrtc.NewICECandidateType(strings.ToLower(c.Type))
		if err != nil {
			return nil, err
		}
		out = append(out, webrtc.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    c.IP,
			Protocol:   proto,
			Port:       c.Port,
			Typ:        typ,
			Component:  1,
		})
	}
	return out, nil
}

func toDTLSParameters(p domain.DTLSParameters) webrtc.DTLSParameters {
	out := webrtc.DTLSParameters{Role: dtlsRole(p.Role)}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}

func fromDTLSParameters(p webrtc.DTLSParameters, role string) domain.DTLSParameters {
	out := domain.DTLSParameters{Role: role}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, domain.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}

func dtlsRole(role string) webrtc.DTLSRole {
	switch strings.ToLower(role) {
	case "client":
		return webrtc.DTLSRoleClient
	case "server":
		return webrtc.DTLSRoleServer
	default:
		return webrtc.DTLSRoleAuto
	}
}
