package txctl

// Phase is a position in the transaction lifecycle.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseAwaitingSignature
	PhaseSubmitted
	PhaseConfirming
	PhaseConfirmed
	PhaseFailed
)

var phaseNames = [...]string{
	PhaseIdle:              "idle",
	PhaseAwaitingSignature: "awaiting_signature",
	PhaseSubmitted:         "submitted",
	PhaseConfirming:        "confirming",
	PhaseConfirmed:         "confirmed",
	PhaseFailed:            "failed",
}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

// MarshalText renders the phase name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Busy reports whether a transaction is in flight.
func (p Phase) Busy() bool {
	switch p {
	case PhaseAwaitingSignature, PhaseSubmitted, PhaseConfirming:
		return true
	}
	return false
}

// Terminal reports whether the phase ends an attempt.
func (p Phase) Terminal() bool {
	return p == PhaseConfirmed || p == PhaseFailed
}

// Event drives phase transitions.
type Event uint8

const (
	EventSubmit Event = iota + 1
	EventSigned
	EventWatching
	EventConfirmed
	EventFailed
	EventReset
)

var eventNames = map[Event]string{
	EventSubmit:    "submit",
	EventSigned:    "signed",
	EventWatching:  "watching",
	EventConfirmed: "confirmed",
	EventFailed:    "failed",
	EventReset:     "reset",
}

func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return "unknown"
}

// MarshalText renders the event name.
func (e Event) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

type edge struct {
	from  Phase
	event Event
}

var transitions = map[edge]Phase{
	{PhaseIdle, EventSubmit}:              PhaseAwaitingSignature,
	{PhaseConfirmed, EventSubmit}:         PhaseAwaitingSignature,
	{PhaseFailed, EventSubmit}:            PhaseAwaitingSignature,
	{PhaseAwaitingSignature, EventSigned}: PhaseSubmitted,
	{PhaseAwaitingSignature, EventFailed}: PhaseFailed,
	{PhaseSubmitted, EventWatching}:       PhaseConfirming,
	{PhaseConfirming, EventConfirmed}:     PhaseConfirmed,
	{PhaseConfirming, EventFailed}:        PhaseFailed,
}

// Next returns the phase reached by applying ev in phase from. Reset is
// accepted from every phase.
func Next(from Phase, ev Event) (Phase, bool) {
	if ev == EventReset {
		return PhaseIdle, true
	}
	to, ok := transitions[edge{from, ev}]
	return to, ok
}
