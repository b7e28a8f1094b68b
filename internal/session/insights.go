package session

import (
	"time"

	"github.com/MarcoPoloResearchLab/callroom/internal/calls"
	"github.com/samber/lo"
)

const (
	highEngagementScore   = 12
	mediumEngagementScore = 4
)

// CompileInsights summarises a call's timeline. A non-empty requested level
// overrides the computed one. Participant-scoped chat stays out of the transcript.
func CompileInsights(timeline []calls.TimelineEvent, participantCount int, startedAt *time.Time, endedAt time.Time, requested calls.EngagementLevel) calls.Insights {
	transcript := lo.FilterMap(timeline, func(event calls.TimelineEvent, _ int) (calls.TranscriptLine, bool) {
		chat, ok := event.Body.(calls.ChatMessage)
		if !ok || chat.Scope.Kind == calls.ScopeParticipant {
			return calls.TranscriptLine{}, false
		}
		return calls.TranscriptLine{Seq: event.Seq, Author: chat.Author, Message: chat.Body, Timestamp: event.Timestamp}, true
	})
	chatCount := lo.CountBy(timeline, func(event calls.TimelineEvent) bool {
		_, ok := event.Body.(calls.ChatMessage)
		return ok
	})
	resources := lo.FilterMap(timeline, func(event calls.TimelineEvent, _ int) (calls.ResourceLine, bool) {
		resource, ok := event.Body.(calls.SharedResource)
		if !ok {
			return calls.ResourceLine{}, false
		}
		return calls.ResourceLine{
			Seq:       event.Seq,
			Type:      resource.Type,
			URL:       resource.URL,
			Title:     resource.Title,
			SharedBy:  resource.SharedBy,
			Timestamp: event.Timestamp,
		}, true
	})

	level := requested
	if !level.Valid() {
		level = engagementFor(chatCount + 2*len(resources) + participantCount)
	}
	var duration int64
	if startedAt != nil && endedAt.After(*startedAt) {
		duration = int64(endedAt.Sub(*startedAt) / time.Second)
	}
	return calls.Insights{
		EngagementLevel:  level,
		ChatTranscript:   transcript,
		SharedResources:  resources,
		ParticipantCount: participantCount,
		DurationSeconds:  duration,
	}
}

func engagementFor(score int) calls.EngagementLevel {
	switch {
	case score >= highEngagementScore:
		return calls.EngagementHigh
	case score >= mediumEngagementScore:
		return calls.EngagementMedium
	default:
		return calls.EngagementLow
	}
}
