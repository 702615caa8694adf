package orchestrator

import (
	"log/slog"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

const (
	BadgeRecordingText  = "REC"
	BadgeRecordingColor = "#ff4444"
	BadgeIdleColor      = "#000000"
)

// Badge maps a worker status to the controller badge.
func Badge(state string) (text, color string) {
	if state == protocol.StatusRecording {
		return BadgeRecordingText, BadgeRecordingColor
	}
	return "", BadgeIdleColor
}

// Indicator renders coarse session status for controller surfaces.
type Indicator interface {
	Update(snapshot protocol.StatusSnapshot)
}

type IndicatorFunc func(protocol.StatusSnapshot)

func (f IndicatorFunc) Update(snapshot protocol.StatusSnapshot) { f(snapshot) }

// BusIndicator publishes every snapshot on the status subject.
func BusIndicator(client *bus.Client, logger *slog.Logger) Indicator {
	return IndicatorFunc(func(snapshot protocol.StatusSnapshot) {
		if err := client.PublishJSON(protocol.SubjectStatus, snapshot); err != nil {
			logger.Warn("failed to publish status snapshot", slogError(err))
		}
	})
}

// Indicators fans one snapshot out to several indicators.
func Indicators(list ...Indicator) Indicator {
	return IndicatorFunc(func(snapshot protocol.StatusSnapshot) {
		for _, ind := range list {
			if ind != nil {
				ind.Update(snapshot)
			}
		}
	})
}
