package ports

import "time"

// Metrics is the instrumentation sink shared by services and adapters.
type Metrics interface {
	CommandIssued(kind string)
	CommandCompleted(kind, status string, latency time.Duration)
	SessionPhase(phase string)
	SessionsActive(delta int)
	SignalSent(kind, transport string)
	ControlEvent(kind string, dropped bool)
	RTPPackets(role string, packets int)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) CommandIssued(string)                           {}
func (NopMetrics) CommandCompleted(string, string, time.Duration) {}
func (NopMetrics) SessionPhase(string)                            {}
func (NopMetrics) SessionsActive(int)                             {}
func (NopMetrics) SignalSent(string, string)                      {}
func (NopMetrics) ControlEvent(string, bool)                      {}
func (NopMetrics) RTPPackets(string, int)                         {}
