package constants

import (
	"fmt"
	"time"
)

// Redis key prefixes and names
const (
	JobKeyPrefix          = "job:"
	LegKeyPrefix          = "leg:"
	CallIndexPrefix       = "leg:call:"
	DetectionKeyPrefix    = "detection:"
	WinnerLockPrefix      = "winner:"
	ActiveLegsKey         = "legs:active"
	ScheduledPlacements   = "placements:scheduled"
	PlacementStream       = "leg_placements"
	PlacementLeaderKey    = "placements:leader"
	DefaultConsumerGroup  = "leg-placers"
	LegEventHistoryLength = 50
)

// Default lifecycle values
const (
	// DefaultWinnerLockTTLSeconds bounds a crashed transfer attempt
	DefaultWinnerLockTTLSeconds = 60

	DefaultJobTTLHours                   = 24
	DefaultLeaderElectionTTLSeconds      = 10
	DefaultLeaderElectionIntervalSeconds = 5
	DefaultPendingClaimIdle              = time.Minute

	MinLineCount = 1
	MaxLineCount = 100
)

// Audio format of the provider media stream
const (
	SampleRate       = 8000
	AnalysisWindowMS = 250
	HistorySamples   = 64
)

func JobKey(jobID string) string {
	return JobKeyPrefix + jobID
}

func JobLegsKey(jobID string) string {
	return fmt.Sprintf("%s%s:legs", JobKeyPrefix, jobID)
}

func LegKey(legID string) string {
	return LegKeyPrefix + legID
}

func LegEventsKey(legID string) string {
	return fmt.Sprintf("%s%s:events", LegKeyPrefix, legID)
}

func CallIndexKey(callSID string) string {
	return CallIndexPrefix + callSID
}

func DetectionKey(legID string) string {
	return DetectionKeyPrefix + legID
}

func WinnerLockKey(jobID string) string {
	return WinnerLockPrefix + jobID
}

func MillisecondsToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func SecondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
