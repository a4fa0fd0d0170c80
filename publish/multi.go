package publish

import "github.com/mbi-berlin/lightfield-http/device"

// Multi sends every event to each of its publishers, in order
type Multi []device.Publisher

// PublishImage satisfies device.Publisher
func (m Multi) PublishImage(s device.Snapshot) {
	for _, p := range m {
		p.PublishImage(s)
	}
}

// PublishStatus satisfies device.Publisher
func (m Multi) PublishStatus(s device.Status) {
	for _, p := range m {
		p.PublishStatus(s)
	}
}
