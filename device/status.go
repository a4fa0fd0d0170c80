package device

import (
	"fmt"
	"time"

	"github.com/mbi-berlin/lightfield-http/frame"
)

// Status is the coarse state of the device
type Status int

const (
	// Initializing is the state before Init
	Initializing Status = iota

	// Ready means the experiment can be started
	Ready

	// Running means an acquisition or preview is in progress
	Running

	// Fault means no camera was found.  It is terminal.
	Fault

	// Offline means the LightField application closed.  It is terminal.
	Offline
)

var statusNames = [...]string{"INITIALIZING", "READY", "RUNNING", "FAULT", "OFFLINE"}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Terminal reports if no transition may leave s
func (s Status) Terminal() bool {
	return s == Fault || s == Offline
}

// Mode selects what happens to incoming frames
type Mode int

const (
	// Accumulate averages the frames of an acquisition
	Accumulate Mode = iota

	// Preview publishes every frame as is
	Preview
)

func (m Mode) String() string {
	if m == Preview {
		return "preview"
	}
	return "accumulate"
}

// Snapshot is a published image together with how it was made
type Snapshot struct {
	frame.Image

	// Count is the number of frames averaged into Image, 1 in preview
	Count int

	Mode Mode

	// Time is when the last contributing frame arrived
	Time time.Time
}

// Publisher receives change events.  Implementations must not retain a
// reference to the device lock and must not block for long.
type Publisher interface {
	PublishImage(Snapshot)
	PublishStatus(Status)
}

type nopPublisher struct{}

func (nopPublisher) PublishImage(Snapshot) {}
func (nopPublisher) PublishStatus(Status)  {}
