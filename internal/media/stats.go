package media

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// Quality is the coarse connection-quality classification shown to the user.
type Quality int

const (
	QualityUnknown Quality = iota
	QualityGood
	QualityFair
	QualityPoor
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityFair:
		return "fair"
	case QualityPoor:
		return "poor"
	default:
		return "unknown"
	}
}

// Classification thresholds. A sample must clear every metric of a band.
const (
	goodLossFraction = 0.02
	goodJitterMs     = 30.0
	goodRTTMs        = 150.0

	fairLossFraction = 0.08
	fairJitterMs     = 100.0
	fairRTTMs        = 400.0
)

// sampleInterval is the cadence of the background quality sampler.
const sampleInterval = 5 * time.Second

// StatsSample is one reading of the transport-level health metrics.
type StatsSample struct {
	LossFraction float64
	JitterMs     float64
	RTTMs        float64

	// HasInbound is false until at least one inbound RTP report exists;
	// until then the quality is unknown, not good.
	HasInbound bool
}

// classifyQuality buckets a sample into good/fair/poor using fixed
// thresholds, or unknown when no inbound data has been seen yet.
func classifyQuality(s StatsSample) Quality {
	if !s.HasInbound {
		return QualityUnknown
	}
	if s.LossFraction < goodLossFraction && s.JitterMs < goodJitterMs && s.RTTMs < goodRTTMs {
		return QualityGood
	}
	if s.LossFraction < fairLossFraction && s.JitterMs < fairJitterMs && s.RTTMs < fairRTTMs {
		return QualityFair
	}
	return QualityPoor
}

// SampleStats reads the peer connection's stats report and condenses it into
// one sample. Returns a zero sample when no connection exists.
func (m *Manager) SampleStats() StatsSample {
	m.mu.Lock()
	pc := m.pc
	m.mu.Unlock()
	if pc == nil {
		return StatsSample{}
	}

	var (
		sample        StatsSample
		packetsLost   int64
		packetsRecved int64
	)

	for _, s := range pc.GetStats() {
		switch stat := s.(type) {
		case webrtc.InboundRTPStreamStats:
			sample.HasInbound = sample.HasInbound || stat.PacketsReceived > 0
			packetsRecved += int64(stat.PacketsReceived)
			packetsLost += int64(stat.PacketsLost)
			if j := stat.Jitter * 1000; j > sample.JitterMs {
				sample.JitterMs = j
			}
		case webrtc.RemoteInboundRTPStreamStats:
			if rtt := stat.RoundTripTime * 1000; rtt > sample.RTTMs {
				sample.RTTMs = rtt
			}
			if stat.FractionLost > sample.LossFraction {
				sample.LossFraction = stat.FractionLost
			}
		}
	}

	// Fall back to cumulative counters when the remote report has no
	// fraction-lost yet.
	if sample.LossFraction == 0 && packetsLost > 0 && packetsRecved+packetsLost > 0 {
		sample.LossFraction = float64(packetsLost) / float64(packetsRecved+packetsLost)
	}
	return sample
}

// ConnectionQuality returns the most recent sampled quality.
func (m *Manager) ConnectionQuality() Quality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastQuality
}

// startSamplerLocked launches the periodic quality sampler for the current
// peer connection. Caller holds m.mu.
func (m *Manager) startSamplerLocked(gen uint64) {
	m.stopSamplerLocked()
	done := make(chan struct{})
	m.samplerDone = done

	go func() {
		ticker := time.NewTicker(sampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if !m.generationCurrent(gen) {
					return
				}
				q := classifyQuality(m.SampleStats())
				m.mu.Lock()
				m.lastQuality = q
				m.mu.Unlock()
				m.emit(Event{Kind: EventQuality, Quality: q})
			}
		}
	}()
}

func (m *Manager) stopSamplerLocked() {
	if m.samplerDone != nil {
		close(m.samplerDone)
		m.samplerDone = nil
	}
}
