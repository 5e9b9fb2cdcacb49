package dispatch

import "time"

// Default values for SIP timers as described in RFC 3261.
const (
	// T1 is the message RTT estimate.
	T1 = 500 * time.Millisecond
	// T2 is the maximum retransmit interval for non-INVITE requests and INVITE responses.
	T2 = 4 * time.Second
)

// TimingConfig represents SIP retransmit timing config.
// Zero value uses the default base values [T1] and [T2]; the hard
// delivery expiry is always 64*T1.
type TimingConfig struct {
	t1, t2 time.Duration
}

// NewTimings creates a new timing config with specified base values.
func NewTimings(t1, t2 time.Duration) TimingConfig {
	return TimingConfig{t1, t2}
}

// T1 is the message RTT estimate.
// It is equal to [T1] if not specified.
func (c TimingConfig) T1() time.Duration {
	if c.t1 == 0 {
		return T1
	}
	return c.t1
}

// T2 is the maximum retransmit interval for non-INVITE requests and INVITE responses.
// It is equal to [T2] if not specified.
func (c TimingConfig) T2() time.Duration {
	if c.t2 == 0 {
		return T2
	}
	return c.t2
}

// Expire returns the hard delivery expiry, 64*[TimingConfig.T1].
func (c TimingConfig) Expire() time.Duration { return 64 * c.T1() }

// Schedule derives the retransmit schedule for the packet per RFC 3261
// Section 17: INVITE requests double uncapped, non-INVITE requests and
// final INVITE responses double capped at T2, ACK requests and all other
// responses are not retransmitted. The returned instants are absolute
// and strictly increasing; the last element is not a retransmit but the
// hard expiry at now+64*T1. Nil means no retransmits at all.
func (c TimingConfig) Schedule(p Packet, now time.Time) []time.Time {
	interval, maxInterval, ok := c.intervals(p)
	if !ok {
		return nil
	}

	expire := now.Add(c.Expire())
	var schedule []time.Time
	for rtm := now.Add(interval); rtm.Before(expire); rtm = rtm.Add(interval) {
		schedule = append(schedule, rtm)
		interval *= 2
		if maxInterval > 0 && interval > maxInterval {
			interval = maxInterval
		}
	}
	return append(schedule, expire)
}

// intervals returns the initial retransmit interval and its cap
// (0 = uncapped) for the packet kind, or ok=false when the packet is
// never retransmitted.
func (c TimingConfig) intervals(p Packet) (interval, maxInterval time.Duration, ok bool) {
	switch {
	case p.IsRequest():
		switch {
		case MethodIs(p.Method(), "INVITE"):
			return c.T1(), 0, true
		case MethodIs(p.Method(), "ACK"):
			return 0, 0, false
		default:
			return c.T1(), c.T2(), true
		}
	case p.Code() > 100 && MethodIs(CSeqMethod(p), "INVITE"):
		return c.T1(), c.T2(), true
	default:
		return 0, 0, false
	}
}
