package control

import (
	"github.com/pulselink/pulselink-server/internal/broker"
	"github.com/pulselink/pulselink-server/internal/playback"
	"github.com/pulselink/pulselink-server/internal/protocol"
)

// PlaybackGuard cancels continuous playback when its controller leaves the
// broker, so no scheduler keeps firing into a dissolved pair. App departures
// need no handling here: the next send fails against the broken pair and the
// scheduler stops itself.
type PlaybackGuard struct {
	sched *playback.Scheduler
}

// NewPlaybackGuard wraps a scheduler as a broker observer.
func NewPlaybackGuard(sched *playback.Scheduler) *PlaybackGuard {
	return &PlaybackGuard{sched: sched}
}

var _ broker.Observer = (*PlaybackGuard)(nil)

func (g *PlaybackGuard) BindChange(string, string) {}

func (g *PlaybackGuard) StrengthUpdate(string, protocol.StrengthReport) {}

func (g *PlaybackGuard) Feedback(string, int) {}

func (g *PlaybackGuard) ControllerDisconnect(controllerID string) {
	g.sched.StopAll(controllerID)
}

func (g *PlaybackGuard) AppDisconnect(string) {}
