package models

import "encoding/json"

// FrameKind is the logical kind of a streamed frame.
type FrameKind int

const (
	FrameStarted FrameKind = iota
	FrameData
	FrameCompleted
	FrameError
	FrameBusy
)

func (k FrameKind) String() string {
	switch k {
	case FrameStarted:
		return "started"
	case FrameData:
		return "data"
	case FrameCompleted:
		return "completed"
	case FrameError:
		return "error"
	case FrameBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// BusyMessage is the message carried by busy frames and 503 responses.
const BusyMessage = "server is busy, try again later"

// Frame is one unit of the outward stream.
//
// On the wire frames are line-delimited JSON objects whose "type" is one of
// meta, data or error:
//
//	{"type":"meta","status":"started","limit":50}
//	{"type":"data","record":{...}}
//	{"type":"meta","status":"completed","count":12}
//	{"type":"error","code":"timeout","message":"..."}
//	{"type":"meta","status":"busy","message":"..."}
type Frame struct {
	Kind   FrameKind
	Limit  int
	Count  int
	Record Record
	Err    *ErrorDetail
}

// StartedFrame announces an acquired run.
func StartedFrame(limit int) Frame { return Frame{Kind: FrameStarted, Limit: limit} }

// DataFrame carries one record.
func DataFrame(rec Record) Frame { return Frame{Kind: FrameData, Record: rec} }

// CompletedFrame closes a successful run.
func CompletedFrame(count int) Frame { return Frame{Kind: FrameCompleted, Count: count} }

// BusyFrame rejects a request while another run holds the slot.
func BusyFrame() Frame {
	return Frame{Kind: FrameBusy, Err: &ErrorDetail{Code: ErrCodeBusy, Message: BusyMessage}}
}

// ErrorFrame closes a failed run.
func ErrorFrame(err error) Frame {
	return Frame{Kind: FrameError, Err: AsExtractError(err).ToDetail()}
}

type wireFrame struct {
	Type    string `json:"type"`
	Status  string `json:"status,omitempty"`
	Limit   *int   `json:"limit,omitempty"`
	Count   *int   `json:"count,omitempty"`
	Record  Record `json:"record,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// MarshalJSON encodes the frame in its wire shape.
func (f Frame) MarshalJSON() ([]byte, error) {
	w := wireFrame{}
	switch f.Kind {
	case FrameStarted:
		w.Type, w.Status, w.Limit = "meta", "started", &f.Limit
	case FrameCompleted:
		w.Type, w.Status, w.Count = "meta", "completed", &f.Count
	case FrameData:
		w.Type, w.Record = "data", f.Record
	case FrameBusy:
		w.Type, w.Status = "meta", "busy"
		if f.Err != nil {
			w.Message = f.Err.Message
		}
	case FrameError:
		w.Type = "error"
		if f.Err != nil {
			w.Code, w.Message = f.Err.Code, f.Err.Message
		}
	}
	return json.Marshal(w)
}
