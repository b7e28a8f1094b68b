package records

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/callroom/internal/calls"
	jsoniter "github.com/json-iterator/go"
)

func toRecord(call calls.Call) CallRecord {
	return CallRecord{
		CallID:           call.ID,
		Status:           string(call.Status),
		HostID:           call.HostID,
		LeadReference:    call.LeadReference,
		LeadName:         call.LeadName,
		MeetingID:        call.MeetingID,
		InviteOnly:       call.InviteOnly,
		SecureTokenID:    call.SecureTokenID,
		PrivateNotes:     call.PrivateNotes,
		LeadStatus:       call.LeadStatus,
		ScheduledAtMilli: millisOf(call.ScheduledAt),
		StartedAtMilli:   millisOf(call.StartedAt),
		EndedAtMilli:     millisOf(call.EndedAt),
	}
}

func fromRecord(record CallRecord) (calls.Call, error) {
	call := calls.Call{
		ID:            record.CallID,
		Status:        calls.Status(record.Status),
		HostID:        record.HostID,
		LeadReference: record.LeadReference,
		LeadName:      record.LeadName,
		MeetingID:     record.MeetingID,
		InviteOnly:    record.InviteOnly,
		SecureTokenID: record.SecureTokenID,
		PrivateNotes:  record.PrivateNotes,
		LeadStatus:    record.LeadStatus,
		ScheduledAt:   timeOf(record.ScheduledAtMilli),
		StartedAt:     timeOf(record.StartedAtMilli),
		EndedAt:       timeOf(record.EndedAtMilli),
	}
	if !call.Status.Valid() {
		return calls.Call{}, fmt.Errorf("unknown stored status %q", record.Status)
	}
	if record.InsightsJSON != "" {
		var insights calls.Insights
		if err := jsoniter.Unmarshal([]byte(record.InsightsJSON), &insights); err != nil {
			return calls.Call{}, err
		}
		call.Insights = &insights
	}
	return call, nil
}

func toTimelineRecord(event calls.TimelineEvent) (TimelineRecord, error) {
	if event.Body == nil {
		return TimelineRecord{}, fmt.Errorf("event %d has no body", event.Seq)
	}
	data, err := calls.EncodeBody(event.Body)
	if err != nil {
		return TimelineRecord{}, err
	}
	return TimelineRecord{
		CallID:          event.CallID,
		Seq:             event.Seq,
		Kind:            string(event.Body.Kind()),
		ActorID:         event.ActorID,
		DataJSON:        string(data),
		OccurredAtMilli: event.Timestamp.UTC().UnixMilli(),
	}, nil
}

func millisOf(value *time.Time) int64 {
	if value == nil || value.IsZero() {
		return 0
	}
	return value.UTC().UnixMilli()
}

func timeOf(millis int64) *time.Time {
	if millis == 0 {
		return nil
	}
	value := time.UnixMilli(millis).UTC()
	return &value
}
