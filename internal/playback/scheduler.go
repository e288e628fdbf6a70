// Package playback streams waveform batches to paired apps at a self-adjusting
// cadence. Each (controller, channel) key owns an independent state machine
// built on recursive single-shot timers: the delay before the next send is
// derived from the batch duration, the buffer ratio, and the measured latency
// of the send that just completed. A periodic timer would drift against the
// app's 100 ms consumption clock, so the wake-up is re-armed after every send.
package playback

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulselink/pulselink-server/internal/metrics"
	"github.com/pulselink/pulselink-server/internal/protocol"
)

const (
	// DefaultBatchSize is the number of frames per pulse command.
	DefaultBatchSize = 5

	// DefaultBufferRatio is the fraction of the nominal batch duration slept
	// between sends. Ratios outside [0.5, 1.0] normalize to this value.
	DefaultBufferRatio = 0.9

	// minWait is the floor for the delay between consecutive sends.
	minWait = 10 * time.Millisecond
)

// Sentinel errors for start failures.
var (
	ErrNotPaired   = errors.New("controller is not paired to an app")
	ErrNoWaveforms = errors.New("waveform list is empty")
	ErrBadChannel  = errors.New("unknown channel")
)

// Transmitter is the broker surface the scheduler sends through.
type Transmitter interface {
	IsPaired(controllerID string) bool
	SendToApp(controllerID, payload string) error
}

type key struct {
	controller string
	channel    protocol.Channel
}

type state struct {
	frames      []string
	cursor      int
	batchSize   int
	bufferRatio float64
	durationMS  int

	active       bool
	sendCount    int
	elapsedTotal time.Duration

	timer *time.Timer
}

// Status is a read-only snapshot of one playback state.
type Status struct {
	WaveformCount      int           `json:"waveformCount"`
	BatchSize          int           `json:"batchSize"`
	BufferRatio        float64       `json:"bufferRatio"`
	PlaybackDurationMS int           `json:"playbackDurationMs"`
	Active             bool          `json:"active"`
	SendCount          int           `json:"sendCount"`
	ElapsedTotal       time.Duration `json:"elapsedTotalMs"`
	ElapsedAvg         time.Duration `json:"elapsedAvgMs"`
}

// Scheduler owns all continuous playback states.
type Scheduler struct {
	tx  Transmitter
	log zerolog.Logger

	mu     sync.Mutex
	states map[key]*state
}

// NewScheduler creates a playback scheduler sending through tx.
func NewScheduler(tx Transmitter, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		tx:     tx,
		log:    logger.With().Str("component", "playback").Logger(),
		states: make(map[key]*state),
	}
}

// Start installs a playback state and schedules its first send immediately.
// An existing state for the same key is replaced atomically; its timer is
// cancelled and its statistics discarded.
func (s *Scheduler) Start(controllerID string, ch protocol.Channel, frames []string, batchSize int, bufferRatio float64) error {
	if !ch.Valid() {
		return ErrBadChannel
	}
	if len(frames) == 0 {
		return ErrNoWaveforms
	}
	if !s.tx.IsPaired(controllerID) {
		return ErrNotPaired
	}
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	if bufferRatio < 0.5 || bufferRatio > 1.0 {
		bufferRatio = DefaultBufferRatio
	}

	k := key{controllerID, ch}
	st := &state{
		frames:      frames,
		batchSize:   batchSize,
		bufferRatio: bufferRatio,
		durationMS:  batchSize * protocol.FrameDurationMS,
		active:      true,
	}

	s.mu.Lock()
	if prev, ok := s.states[k]; ok {
		prev.active = false
		if prev.timer != nil {
			prev.timer.Stop()
		}
	} else {
		metrics.PlaybackActive.Inc()
	}
	s.states[k] = st
	st.timer = time.AfterFunc(0, func() { s.run(k) })
	s.mu.Unlock()

	s.log.Info().Str("controller_id", controllerID).Str("channel", string(ch)).
		Int("waveforms", len(frames)).Int("batch_size", batchSize).Float64("buffer_ratio", bufferRatio).
		Msg("Continuous playback started")
	return nil
}

// run performs one send cycle and re-arms the wake-up.
func (s *Scheduler) run(k key) {
	s.mu.Lock()
	st, ok := s.states[k]
	if !ok || !st.active {
		s.mu.Unlock()
		return
	}
	t0 := time.Now()
	batch := make([]string, 0, st.batchSize)
	for range st.batchSize {
		batch = append(batch, st.frames[st.cursor])
		st.cursor = (st.cursor + 1) % len(st.frames)
	}
	s.mu.Unlock()

	err := s.tx.SendToApp(k.controller, protocol.PulseCommand(k.channel, batch))
	elapsed := time.Since(t0)

	if err != nil {
		s.log.Warn().Err(err).Str("controller_id", k.controller).Str("channel", string(k.channel)).
			Msg("Waveform send failed, stopping playback")
		s.Stop(k.controller, k.channel)
		return
	}
	metrics.PlaybackSendSeconds.Observe(elapsed.Seconds())

	s.mu.Lock()
	defer s.mu.Unlock()
	// The state may have been stopped or replaced while the send was in flight.
	if current, ok := s.states[k]; !ok || current != st || !st.active {
		return
	}
	st.sendCount++
	st.elapsedTotal += elapsed

	target := time.Duration(float64(st.durationMS)*st.bufferRatio)*time.Millisecond - elapsed
	if target < 0 {
		s.log.Debug().Str("controller_id", k.controller).Str("channel", string(k.channel)).
			Dur("overrun", -target).Msg("Send latency exceeds playback window")
	}
	wait := max(target, minWait)
	st.timer = time.AfterFunc(wait, func() { s.run(k) })
}

// Stop cancels a playback state, removes it, and clears the app's channel
// buffer. Returns false when no state exists for the key, so repeated stops
// are observable no-ops.
func (s *Scheduler) Stop(controllerID string, ch protocol.Channel) bool {
	k := key{controllerID, ch}

	s.mu.Lock()
	st, ok := s.states[k]
	if !ok {
		s.mu.Unlock()
		return false
	}
	st.active = false
	if st.timer != nil {
		st.timer.Stop()
	}
	delete(s.states, k)
	sendCount := st.sendCount
	var avg time.Duration
	if sendCount > 0 {
		avg = st.elapsedTotal / time.Duration(sendCount)
	}
	s.mu.Unlock()

	metrics.PlaybackActive.Dec()
	_ = s.tx.SendToApp(controllerID, protocol.ClearCommand(ch))

	evt := s.log.Info().Str("controller_id", controllerID).Str("channel", string(ch))
	if sendCount > 0 {
		evt = evt.Int("sends", sendCount).Dur("avg_elapsed", avg)
	}
	evt.Msg("Continuous playback stopped")
	return true
}

// StopAll cancels both channels' states for a controller. Used on controller
// disconnect.
func (s *Scheduler) StopAll(controllerID string) {
	s.Stop(controllerID, protocol.ChannelA)
	s.Stop(controllerID, protocol.ChannelB)
}

// Query returns a snapshot of the playback state for a key.
func (s *Scheduler) Query(controllerID string, ch protocol.Channel) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[key{controllerID, ch}]
	if !ok {
		return Status{}, false
	}
	status := Status{
		WaveformCount:      len(st.frames),
		BatchSize:          st.batchSize,
		BufferRatio:        st.bufferRatio,
		PlaybackDurationMS: st.durationMS,
		Active:             st.active,
		SendCount:          st.sendCount,
		ElapsedTotal:       st.elapsedTotal,
	}
	if st.sendCount > 0 {
		status.ElapsedAvg = st.elapsedTotal / time.Duration(st.sendCount)
	}
	return status, true
}

// ActiveCount returns the number of installed playback states.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

// Shutdown cancels every playback state without sending buffer clears; the
// transports are about to close anyway.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	for k, st := range s.states {
		st.active = false
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(s.states, k)
	}
	s.mu.Unlock()

	metrics.PlaybackActive.Set(0)
	s.log.Info().Msg("Playback scheduler shut down")
}
