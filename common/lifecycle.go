package common

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// LifeCycleNetworkIdleTimeout is how long the network must stay quiet
// before a frame is considered network idle.
const LifeCycleNetworkIdleTimeout = 500 * time.Millisecond

// LifecycleEvent is a load state a frame passes through while a document
// commits and loads.
type LifecycleEvent int

const (
	LifecycleEventLoad LifecycleEvent = iota
	LifecycleEventDOMContentLoad
	LifecycleEventNetworkIdle
)

func (l LifecycleEvent) String() string {
	return lifecycleEventToString[l]
}

var lifecycleEventToString = map[LifecycleEvent]string{
	LifecycleEventLoad:           "load",
	LifecycleEventDOMContentLoad: "domcontentloaded",
	LifecycleEventNetworkIdle:    "networkidle",
}

var lifecycleEventToID = map[string]LifecycleEvent{
	"load":             LifecycleEventLoad,
	"domcontentloaded": LifecycleEventDOMContentLoad,
	"networkidle":      LifecycleEventNetworkIdle,
}

// MarshalJSON marshals the enum as a quoted JSON string.
func (l LifecycleEvent) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`"`)
	buf.WriteString(lifecycleEventToString[l])
	buf.WriteString(`"`)
	return buf.Bytes(), nil
}

// UnmarshalJSON unmarshals a quoted JSON string to the enum value. An
// unknown string maps to the zero value.
func (l *LifecycleEvent) UnmarshalJSON(b []byte) error {
	var j string
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}
	*l = lifecycleEventToID[j]
	return nil
}

// UnmarshalText unmarshals a lifecycle event name.
func (l *LifecycleEvent) UnmarshalText(text []byte) error {
	ev, ok := lifecycleEventToID[string(text)]
	if !ok {
		return fmt.Errorf("invalid lifecycle event: %q", text)
	}
	*l = ev
	return nil
}

// FrameLifecycleEvent is the payload of EventFrameAddLifecycle.
type FrameLifecycleEvent struct {
	// URL is the URL of the frame the lifecycle event fired for.
	URL string

	Event LifecycleEvent
}

// DocumentInfo identifies a committed or expected document of a frame.
// The protocol calls its id a loader id.
type DocumentInfo struct {
	documentID string
	request    *Request
}

// NavigationEvent is the payload of EventFrameNavigation, emitted when a
// frame commits a new document or navigates within the current one.
type NavigationEvent struct {
	newDocument *DocumentInfo
	url         string
	name        string
	err         error
}
