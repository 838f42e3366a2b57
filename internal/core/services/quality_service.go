package services

import (
	"livebid/internal/core/domain"
)

// QualityThresholds decide when a receiving video consumer changes simulcast layer.
type QualityThresholds struct {
	DowngradePacketLoss float64 // fraction
	DowngradeJitterMs   float64
	UpgradePacketLoss   float64
	UpgradeJitterMs     float64
	UpgradeBitrateKbps  float64
}

func DefaultQualityThresholds() QualityThresholds {
	return QualityThresholds{
		DowngradePacketLoss: 0.05,
		DowngradeJitterMs:   50,
		UpgradePacketLoss:   0.01,
		UpgradeJitterMs:     20,
		UpgradeBitrateKbps:  500,
	}
}

type QualityService struct {
	thresholds QualityThresholds
	ladder     []domain.EncodingLayer
}

func NewQualityService() *QualityService {
	return &QualityService{
		thresholds: DefaultQualityThresholds(),
		ladder: []domain.EncodingLayer{
			{RID: "low", MaxBitrate: 150_000, ScaleResolutionDownBy: 4},
			{RID: "medium", MaxBitrate: 500_000, ScaleResolutionDownBy: 2},
			{RID: "high", MaxBitrate: 1_500_000, ScaleResolutionDownBy: 1},
		},
	}
}

// GetThresholds returns the adaptation thresholds
func (qs *QualityService) GetThresholds() QualityThresholds {
	return qs.thresholds
}

// SimulcastLadder returns the video encodings, lowest layer first.
func (qs *QualityService) SimulcastLadder() []domain.EncodingLayer {
	return append([]domain.EncodingLayer(nil), qs.ladder...)
}

// VideoCodecOptions are the start/min/max bitrate hints in kbps.
func (qs *QualityService) VideoCodecOptions() domain.CodecOptions {
	return domain.CodecOptions{
		VideoGoogleStartBitrate: 500,
		VideoGoogleMinBitrate:   150,
		VideoGoogleMaxBitrate:   1500,
	}
}

func (qs *QualityService) AudioCodecOptions() domain.CodecOptions {
	return domain.CodecOptions{OpusStereo: true, OpusFEC: true, OpusDTX: true}
}

func (qs *QualityService) LowestLayer() int  { return 0 }
func (qs *QualityService) HighestLayer() int { return len(qs.ladder) - 1 }

func (qs *QualityService) ShouldDowngrade(stats domain.ConsumerStats) bool {
	return stats.PacketLoss > qs.thresholds.DowngradePacketLoss ||
		stats.JitterMs > qs.thresholds.DowngradeJitterMs
}

func (qs *QualityService) ShouldUpgrade(stats domain.ConsumerStats) bool {
	return stats.PacketLoss < qs.thresholds.UpgradePacketLoss &&
		stats.JitterMs < qs.thresholds.UpgradeJitterMs &&
		stats.BitrateKbps > qs.thresholds.UpgradeBitrateKbps
}

// TargetLayer picks the spatial layer for a sample. Between the two bands the
// current layer is kept.
func (qs *QualityService) TargetLayer(current int, stats domain.ConsumerStats) int {
	switch {
	case qs.ShouldDowngrade(stats):
		return qs.LowestLayer()
	case qs.ShouldUpgrade(stats):
		return qs.HighestLayer()
	default:
		return current
	}
}
