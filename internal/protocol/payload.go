package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Channel identifies one of the device's two output channels.
type Channel string

const (
	ChannelA Channel = "A"
	ChannelB Channel = "B"
)

// Valid reports whether the channel is one of the two known outputs.
func (ch Channel) Valid() bool {
	return ch == ChannelA || ch == ChannelB
}

// code returns the numeric channel code used by strength and clear commands.
func (ch Channel) code() int {
	if ch == ChannelB {
		return 2
	}
	return 1
}

// StrengthMode selects how the app applies a strength command's value.
type StrengthMode int

const (
	StrengthDecrease StrengthMode = 0
	StrengthIncrease StrengthMode = 1
	StrengthSet      StrengthMode = 2
)

// MaxStrength is the upper bound for strength and limit values on both
// channels. The wire protocol never carries values outside 0..MaxStrength.
const MaxStrength = 200

// FrameLength is the length of one pulse frame: 16 hex characters encoding
// 100 ms of output.
const FrameLength = 16

// FrameDurationMS is how long the app plays a single frame.
const FrameDurationMS = 100

var (
	strengthRe = regexp.MustCompile(`^strength-(\d+)\+(\d+)\+(\d+)\+(\d+)$`)
	feedbackRe = regexp.MustCompile(`^feedback-(\d+)$`)
	frameRe    = regexp.MustCompile(`^[0-9a-fA-F]{16}$`)
)

// StrengthReport is the telemetry the app pushes after any strength change.
type StrengthReport struct {
	StrengthA int
	StrengthB int
	LimitA    int
	LimitB    int
}

// ClampStrength forces a value into the 0..MaxStrength range.
func ClampStrength(v int) int {
	if v < 0 {
		return 0
	}
	if v > MaxStrength {
		return MaxStrength
	}
	return v
}

// IsStrengthPayload reports whether a msg payload carries strength telemetry.
func IsStrengthPayload(payload string) bool {
	return strings.HasPrefix(payload, "strength-")
}

// IsFeedbackPayload reports whether a msg payload carries a feedback index.
func IsFeedbackPayload(payload string) bool {
	return strings.HasPrefix(payload, "feedback-")
}

// ParseStrengthReport parses the literal form strength-<A>+<B>+<limitA>+<limitB>.
// Values are clamped into range on ingress so the rest of the system never
// observes an out-of-range strength.
func ParseStrengthReport(payload string) (StrengthReport, error) {
	m := strengthRe.FindStringSubmatch(payload)
	if m == nil {
		return StrengthReport{}, fmt.Errorf("%w: %q", ErrBadPayload, payload)
	}
	vals := make([]int, 4)
	for i, s := range m[1:] {
		n, err := strconv.Atoi(s)
		if err != nil {
			return StrengthReport{}, fmt.Errorf("%w: %q", ErrBadPayload, payload)
		}
		vals[i] = ClampStrength(n)
	}
	return StrengthReport{StrengthA: vals[0], StrengthB: vals[1], LimitA: vals[2], LimitB: vals[3]}, nil
}

// ParseFeedback parses the literal form feedback-<index>.
func ParseFeedback(payload string) (int, error) {
	m := feedbackRe.FindStringSubmatch(payload)
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrBadPayload, payload)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadPayload, payload)
	}
	return n, nil
}

// StrengthCommand encodes a strength change for the app as
// strength-<channel>+<mode>+<value> with the value clamped to 0..MaxStrength.
func StrengthCommand(ch Channel, mode StrengthMode, value int) string {
	return fmt.Sprintf("strength-%d+%d+%d", ch.code(), int(mode), ClampStrength(value))
}

// PulseCommand encodes a waveform batch as pulse-<channel>:<json-hex-array>.
// The caller validates the frames; encoding a string slice cannot fail.
func PulseCommand(ch Channel, frames []string) string {
	arr, _ := json.Marshal(frames)
	return fmt.Sprintf("pulse-%s:%s", ch, arr)
}

// ClearCommand encodes a buffer-clear instruction as clear-<1|2>.
func ClearCommand(ch Channel) string {
	return fmt.Sprintf("clear-%d", ch.code())
}

// ValidFrame reports whether a single pulse frame is exactly 16 hex characters.
func ValidFrame(frame string) bool {
	return frameRe.MatchString(frame)
}
