package ledger

import (
	"encoding/json"
	"fmt"
	"time"
)

// wireCallFrame mirrors CallFrame for JSON purposes; kept distinct from
// CallFrame so the codec can evolve its wire tags without touching the
// in-memory type.
type wireCallFrame struct {
	ParticipantID string     `json:"participantId"`
	CallID        string     `json:"callId"`
	PID           int        `json:"pid"`
	StartTime     string     `json:"startTime"`
	LastHeartbeat string     `json:"lastHeartbeat"`
	State         FrameState `json:"state"`
	FailOnCrash   bool       `json:"failOnCrash"`
	Description   string     `json:"description,omitempty"`
	Resources     []string   `json:"resources"`
}

type wireTempResource struct {
	Path         string `json:"path"`
	Owner        int    `json:"owner"`
	RegisteredAt string `json:"registeredAt"`
}

// wireLedgerData is the on-disk/wire shape. CallFrames is the current key;
// Stack is accepted on decode as a backward-compatible alias and never
// emitted on encode.
type wireLedgerData struct {
	OperationID        string             `json:"operationId"`
	InitiatorID        string             `json:"initiatorId"`
	StartTime          string             `json:"startTime"`
	Aborted            bool               `json:"aborted"`
	OperationState     OperationState     `json:"operationState"`
	LastHeartbeat      string             `json:"lastHeartbeat"`
	CallFrames         []wireCallFrame    `json:"callFrames"`
	Stack              []wireCallFrame    `json:"stack,omitempty"`
	TempResources      []wireTempResource `json:"tempResources"`
	DetectionTimestamp *string            `json:"detectionTimestamp,omitempty"`
	RemovalTimestamp   *string            `json:"removalTimestamp,omitempty"`
	Metadata           map[string]string  `json:"metadata,omitempty"`
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func decodeTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

// Encode serializes a LedgerData document to its wire form. Encode(Decode(b))
// round-trips losslessly for every document Decode accepts.
func Encode(d *LedgerData) ([]byte, error) {
	if d == nil {
		return nil, NewError(KindMalformed, "nil ledger document", nil)
	}

	w := wireLedgerData{
		OperationID:    d.OperationID,
		InitiatorID:    d.InitiatorID,
		StartTime:      encodeTime(d.StartTime),
		Aborted:        d.Aborted,
		OperationState: d.OperationState,
		LastHeartbeat:  encodeTime(d.LastHeartbeat),
		Metadata:       d.Metadata,
	}

	w.CallFrames = make([]wireCallFrame, len(d.CallFrames))
	for i, f := range d.CallFrames {
		w.CallFrames[i] = wireCallFrame{
			ParticipantID: f.ParticipantID,
			CallID:        f.CallID,
			PID:           f.PID,
			StartTime:     encodeTime(f.StartTime),
			LastHeartbeat: encodeTime(f.LastHeartbeat),
			State:         f.State,
			FailOnCrash:   f.FailOnCrash,
			Description:   f.Description,
			Resources:     append([]string{}, f.Resources...),
		}
	}

	w.TempResources = make([]wireTempResource, len(d.TempResources))
	for i, r := range d.TempResources {
		w.TempResources[i] = wireTempResource{
			Path:         r.Path,
			Owner:        r.Owner,
			RegisteredAt: encodeTime(r.RegisteredAt),
		}
	}

	if d.DetectionTimestamp != nil {
		s := encodeTime(*d.DetectionTimestamp)
		w.DetectionTimestamp = &s
	}
	if d.RemovalTimestamp != nil {
		s := encodeTime(*d.RemovalTimestamp)
		w.RemovalTimestamp = &s
	}

	out, err := json.Marshal(w)
	if err != nil {
		return nil, NewError(KindMalformed, "failed to encode ledger document", err)
	}
	return out, nil
}

// Decode parses a wire document into a LedgerData. It accepts the legacy
// "stack" key as an alias for "callFrames" and tolerates absent optional
// fields, but rejects anything that doesn't parse as a JSON object at all,
// or that has no "operationId" key, with Malformed.
func Decode(data []byte) (*LedgerData, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, NewError(KindMalformed, "not a JSON object", err)
	}
	if _, hasOperationID := probe["operationId"]; !hasOperationID {
		return nil, NewError(KindMalformed, "missing operationId", nil)
	}

	var w wireLedgerData
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, NewError(KindMalformed, "failed to decode ledger document", err)
	}

	frames := w.CallFrames
	if frames == nil {
		frames = w.Stack
	}

	d := &LedgerData{
		OperationID:    w.OperationID,
		InitiatorID:    w.InitiatorID,
		Aborted:        w.Aborted,
		OperationState: w.OperationState,
		Metadata:       w.Metadata,
	}
	if d.OperationState == "" {
		d.OperationState = StateRunning
	}

	var err error
	if d.StartTime, err = decodeTime(w.StartTime); err != nil {
		return nil, NewError(KindMalformed, "invalid startTime", err)
	}
	if d.LastHeartbeat, err = decodeTime(w.LastHeartbeat); err != nil {
		return nil, NewError(KindMalformed, "invalid lastHeartbeat", err)
	}

	d.CallFrames = make([]CallFrame, len(frames))
	for i, f := range frames {
		cf := CallFrame{
			ParticipantID: f.ParticipantID,
			CallID:        f.CallID,
			PID:           f.PID,
			State:         f.State,
			FailOnCrash:   f.FailOnCrash,
			Description:   f.Description,
			Resources:     append([]string{}, f.Resources...),
		}
		if cf.State == "" {
			cf.State = FrameActive
		}
		if cf.StartTime, err = decodeTime(f.StartTime); err != nil {
			return nil, NewError(KindMalformed, fmt.Sprintf("invalid startTime for call %q", f.CallID), err)
		}
		if cf.LastHeartbeat, err = decodeTime(f.LastHeartbeat); err != nil {
			return nil, NewError(KindMalformed, fmt.Sprintf("invalid lastHeartbeat for call %q", f.CallID), err)
		}
		d.CallFrames[i] = cf
	}

	d.TempResources = make([]TempResource, len(w.TempResources))
	for i, r := range w.TempResources {
		tr := TempResource{Path: r.Path, Owner: r.Owner}
		if tr.RegisteredAt, err = decodeTime(r.RegisteredAt); err != nil {
			return nil, NewError(KindMalformed, fmt.Sprintf("invalid registeredAt for path %q", r.Path), err)
		}
		d.TempResources[i] = tr
	}

	if w.DetectionTimestamp != nil {
		t, err := decodeTime(*w.DetectionTimestamp)
		if err != nil {
			return nil, NewError(KindMalformed, "invalid detectionTimestamp", err)
		}
		d.DetectionTimestamp = &t
	}
	if w.RemovalTimestamp != nil {
		t, err := decodeTime(*w.RemovalTimestamp)
		if err != nil {
			return nil, NewError(KindMalformed, "invalid removalTimestamp", err)
		}
		d.RemovalTimestamp = &t
	}

	return d, nil
}
