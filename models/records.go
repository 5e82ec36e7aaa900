package models

import (
	"fmt"
	"strings"
)

// Source identifies one of the portal's data categories.
type Source string

const (
	SourceCallHistory Source = "call_history"
	SourceVoicemail   Source = "voicemail"
	SourceChatSMS     Source = "chat_sms"
)

// Sources lists every supported source in a stable order.
var Sources = []Source{SourceCallHistory, SourceVoicemail, SourceChatSMS}

// ParseSource maps a user-supplied name onto a Source.
func ParseSource(name string) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "call_history", "callhistory", "calls":
		return SourceCallHistory, nil
	case "voicemail", "voicemails":
		return SourceVoicemail, nil
	case "chat_sms", "chatsms", "messages", "sms":
		return SourceChatSMS, nil
	}
	return "", NewExtractError(ErrCodeValidation, fmt.Sprintf("unknown source %q", name), nil)
}

// Record is one structured row extracted from the portal.
//
// Every optional field is a *string without omitempty so a missing value
// serialises as null and the record shape stays stable for consumers.
type Record interface {
	RecordSource() Source
}

// Party is the caller side of a call.
type Party struct {
	Name   *string `json:"name"`
	Number *string `json:"number"`
}

// QoS holds the inbound/outbound quality scores shown by the portal.
type QoS struct {
	Inbound  *string `json:"inbound"`
	Outbound *string `json:"outbound"`
}

// Audio links a recording on the portal to its uploaded copy.
type Audio struct {
	PortalURL *string `json:"portal_url"`
	CloudURL  *string `json:"cloud_url"`
}

// CallRecord is one row of the call history table.
type CallRecord struct {
	From          Party   `json:"from"`
	To            *string `json:"to"`
	DialedNumber  *string `json:"dialed_number"`
	Date          *string `json:"date"`
	Duration      *string `json:"duration"`
	ReleaseReason *string `json:"release_reason"`
	QoS           QoS     `json:"qos"`
	Audio         Audio   `json:"audio"`
}

func (*CallRecord) RecordSource() Source { return SourceCallHistory }

// VoicemailRecord is one row of the voicemail listing.
type VoicemailRecord struct {
	Name     *string `json:"name"`
	Number   *string `json:"number"`
	Date     *string `json:"date"`
	Duration *string `json:"duration"`
	Audio    Audio   `json:"audio"`
}

func (*VoicemailRecord) RecordSource() Source { return SourceVoicemail }

// MessageRecord is one row of the chat/SMS listing.
type MessageRecord struct {
	Number  *string `json:"number"`
	Message *string `json:"message"`
	Time    *string `json:"time"`
}

func (*MessageRecord) RecordSource() Source { return SourceChatSMS }

// StringPtr returns a pointer to s.
func StringPtr(s string) *string { return &s }
