package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/constants"
)

type Config struct {
	RedisURL          string
	PodID             string
	Port              string
	LogLevel          string
	PublicBaseURL     string
	CheckIntervalMS   int64
	LeaderElectionTTL int
	ConsumerGroupName string
	JobTTLHours       int

	TwilioAccountSID string
	TwilioAuthToken  string
	FromNumber       string

	WinnerLockTTLSeconds int
	LoserHangupMaxDelay  time.Duration

	Placement PlacementConfig
	DTMF      DTMFConfig
	Detection DetectionConfig
	Strategy  StrategyConfig
}

// PlacementConfig bounds how fast and how many calls are originated
type PlacementConfig struct {
	RatePerSecond  float64
	MaxInFlight    int
	Stagger        time.Duration
	Jitter         time.Duration
	RingTimeoutSec int
}

// DTMFConfig holds the two digit presses sent after answer
type DTMFConfig struct {
	Digit1 string
	Digit2 string
	Delay1 time.Duration
	Delay2 time.Duration
}

// DetectionConfig holds the empirically tuned classifier thresholds.
// Energies are RMS amplitudes of linear samples normalized to [-1, 1].
type DetectionConfig struct {
	AnalysisInterval time.Duration

	VoicemailMinCallDuration time.Duration
	VoicemailMaxCallDuration time.Duration
	VoicemailWindow          int
	VoicemailEnergyMin       float64
	VoicemailEnergyMax       float64
	VoicemailVarianceMin     float64

	TooBusyMinAfterDTMF time.Duration
	TooBusyMaxAfterDTMF time.Duration
	TooBusyWindow       int
	TooBusyEnergyMin    float64
	TooBusyEnergyMax    float64
	TooBusyGrace        time.Duration

	HoldMinAfterDTMF time.Duration
	HoldWindow       int
	HoldEnergyMin    float64
	HoldEnergyMax    float64
	HoldVarianceMax  float64
	HoldEnergyFloor  float64

	MusicWindow      int
	SilenceWindow    int
	MusicEnergyMin   float64
	SilenceEnergyMax float64

	LiveWindow          int
	SpeechEnergyMin     float64
	SpeechVarianceMin   float64
	StrongSpeechCount   int
	ModerateSpeechCount int
	StrongIncrement     float64
	ModerateIncrement   float64
	DynamicsStdDevMin   float64
	DynamicsIncrement   float64
	LatencyMin          time.Duration
	LatencyMax          time.Duration
	LatencyIncrement    float64
	ConfidenceThreshold float64
	ConfidenceCeiling   float64
	ResetAfter          time.Duration
	ResetMaxConfidence  float64
}

// StrategyConfig tunes the status-event evaluator
type StrategyConfig struct {
	Enabled            bool
	RequiredPasses     int
	MinHoldDuration    time.Duration
	LongAnswerDuration time.Duration
	MinHoldCycles      int
}

func Load() *Config {
	config := &Config{
		RedisURL:          getEnv("REDIS_URL", "redis://localhost:6379"),
		PodID:             getEnv("POD_ID", generatePodID()),
		Port:              getEnv("PORT", "8080"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		PublicBaseURL:     getEnv("PUBLIC_BASE_URL", "http://localhost:8080"),
		CheckIntervalMS:   getEnvInt64("CHECK_INTERVAL_MS", 250),
		LeaderElectionTTL: getEnvInt("LEADER_ELECTION_TTL", constants.DefaultLeaderElectionTTLSeconds),
		ConsumerGroupName: getEnv("CONSUMER_GROUP_NAME", constants.DefaultConsumerGroup),
		JobTTLHours:       getEnvInt("JOB_TTL_HOURS", constants.DefaultJobTTLHours),

		TwilioAccountSID: getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:  getEnv("TWILIO_AUTH_TOKEN", ""),
		FromNumber:       getEnv("TWILIO_FROM_NUMBER", ""),

		WinnerLockTTLSeconds: getEnvInt("WINNER_LOCK_TTL_SECONDS", constants.DefaultWinnerLockTTLSeconds),
		LoserHangupMaxDelay:  getEnvDurationMS("LOSER_HANGUP_MAX_DELAY_MS", 2000),

		Placement: PlacementConfig{
			RatePerSecond:  getEnvFloat("PLACEMENT_RATE_PER_SEC", 5),
			MaxInFlight:    getEnvInt("PLACEMENT_MAX_IN_FLIGHT", 10),
			Stagger:        getEnvDurationMS("PLACEMENT_STAGGER_MS", 1500),
			Jitter:         getEnvDurationMS("PLACEMENT_JITTER_MS", 2000),
			RingTimeoutSec: getEnvInt("PLACEMENT_RING_TIMEOUT_SEC", 60),
		},
		DTMF: DTMFConfig{
			Digit1: getEnv("DTMF_DIGIT_1", "1"),
			Digit2: getEnv("DTMF_DIGIT_2", "2"),
			Delay1: getEnvDurationMS("DTMF_DELAY_1_MS", 8000),
			Delay2: getEnvDurationMS("DTMF_DELAY_2_MS", 6000),
		},
		Detection: LoadDetection(),
		Strategy: StrategyConfig{
			Enabled:            getEnvBool("STRATEGY_ENABLED", true),
			RequiredPasses:     getEnvInt("STRATEGY_REQUIRED_PASSES", 2),
			MinHoldDuration:    getEnvDurationMS("STRATEGY_MIN_HOLD_MS", 120000),
			LongAnswerDuration: getEnvDurationMS("STRATEGY_LONG_ANSWER_MS", 600000),
			MinHoldCycles:      getEnvInt("STRATEGY_MIN_HOLD_CYCLES", 2),
		},
	}

	return config
}

// LoadDetection reads classifier thresholds, falling back to DefaultDetection
func LoadDetection() DetectionConfig {
	d := DefaultDetection()

	d.AnalysisInterval = getEnvDurationMS("DETECT_ANALYSIS_INTERVAL_MS", d.AnalysisInterval.Milliseconds())

	d.VoicemailMinCallDuration = getEnvDurationMS("DETECT_VOICEMAIL_MIN_MS", d.VoicemailMinCallDuration.Milliseconds())
	d.VoicemailMaxCallDuration = getEnvDurationMS("DETECT_VOICEMAIL_MAX_MS", d.VoicemailMaxCallDuration.Milliseconds())
	d.VoicemailEnergyMin = getEnvFloat("DETECT_VOICEMAIL_ENERGY_MIN", d.VoicemailEnergyMin)
	d.VoicemailEnergyMax = getEnvFloat("DETECT_VOICEMAIL_ENERGY_MAX", d.VoicemailEnergyMax)
	d.VoicemailVarianceMin = getEnvFloat("DETECT_VOICEMAIL_VARIANCE_MIN", d.VoicemailVarianceMin)

	d.TooBusyEnergyMin = getEnvFloat("DETECT_TOO_BUSY_ENERGY_MIN", d.TooBusyEnergyMin)
	d.TooBusyEnergyMax = getEnvFloat("DETECT_TOO_BUSY_ENERGY_MAX", d.TooBusyEnergyMax)
	d.TooBusyGrace = getEnvDurationMS("DETECT_TOO_BUSY_GRACE_MS", d.TooBusyGrace.Milliseconds())

	d.HoldMinAfterDTMF = getEnvDurationMS("DETECT_HOLD_MIN_AFTER_DTMF_MS", d.HoldMinAfterDTMF.Milliseconds())
	d.HoldEnergyMin = getEnvFloat("DETECT_HOLD_ENERGY_MIN", d.HoldEnergyMin)
	d.HoldEnergyMax = getEnvFloat("DETECT_HOLD_ENERGY_MAX", d.HoldEnergyMax)
	d.HoldVarianceMax = getEnvFloat("DETECT_HOLD_VARIANCE_MAX", d.HoldVarianceMax)
	d.HoldEnergyFloor = getEnvFloat("DETECT_HOLD_ENERGY_FLOOR", d.HoldEnergyFloor)

	d.MusicEnergyMin = getEnvFloat("DETECT_MUSIC_ENERGY_MIN", d.MusicEnergyMin)
	d.SilenceEnergyMax = getEnvFloat("DETECT_SILENCE_ENERGY_MAX", d.SilenceEnergyMax)

	d.SpeechEnergyMin = getEnvFloat("DETECT_SPEECH_ENERGY_MIN", d.SpeechEnergyMin)
	d.SpeechVarianceMin = getEnvFloat("DETECT_SPEECH_VARIANCE_MIN", d.SpeechVarianceMin)
	d.StrongIncrement = getEnvFloat("DETECT_STRONG_INCREMENT", d.StrongIncrement)
	d.ModerateIncrement = getEnvFloat("DETECT_MODERATE_INCREMENT", d.ModerateIncrement)
	d.DynamicsStdDevMin = getEnvFloat("DETECT_DYNAMICS_STDDEV_MIN", d.DynamicsStdDevMin)
	d.DynamicsIncrement = getEnvFloat("DETECT_DYNAMICS_INCREMENT", d.DynamicsIncrement)
	d.LatencyIncrement = getEnvFloat("DETECT_LATENCY_INCREMENT", d.LatencyIncrement)
	d.ConfidenceThreshold = getEnvFloat("DETECT_CONFIDENCE_THRESHOLD", d.ConfidenceThreshold)
	d.ResetAfter = getEnvDurationMS("DETECT_RESET_AFTER_MS", d.ResetAfter.Milliseconds())
	d.ResetMaxConfidence = getEnvFloat("DETECT_RESET_MAX_CONFIDENCE", d.ResetMaxConfidence)

	return d
}

// DefaultDetection returns thresholds tuned on 8kHz PSTN hold queues
func DefaultDetection() DetectionConfig {
	return DetectionConfig{
		AnalysisInterval: 250 * time.Millisecond,

		VoicemailMinCallDuration: 5 * time.Second,
		VoicemailMaxCallDuration: 25 * time.Second,
		VoicemailWindow:          20,
		VoicemailEnergyMin:       0.03,
		VoicemailEnergyMax:       0.25,
		VoicemailVarianceMin:     0.001,

		TooBusyMinAfterDTMF: 3 * time.Second,
		TooBusyMaxAfterDTMF: 15 * time.Second,
		TooBusyWindow:       10,
		TooBusyEnergyMin:    0.02,
		TooBusyEnergyMax:    0.045,
		TooBusyGrace:        4 * time.Second,

		HoldMinAfterDTMF: 8 * time.Second,
		HoldWindow:       32,
		HoldEnergyMin:    0.05,
		HoldEnergyMax:    0.35,
		HoldVarianceMax:  0.0006,
		HoldEnergyFloor:  0.01,

		MusicWindow:      8,
		SilenceWindow:    4,
		MusicEnergyMin:   0.05,
		SilenceEnergyMax: 0.008,

		LiveWindow:          8,
		SpeechEnergyMin:     0.02,
		SpeechVarianceMin:   0.0008,
		StrongSpeechCount:   5,
		ModerateSpeechCount: 3,
		StrongIncrement:     40,
		ModerateIncrement:   20,
		DynamicsStdDevMin:   0.03,
		DynamicsIncrement:   15,
		LatencyMin:          500 * time.Millisecond,
		LatencyMax:          8 * time.Second,
		LatencyIncrement:    15,
		ConfidenceThreshold: 70,
		ConfidenceCeiling:   100,
		ResetAfter:          12 * time.Second,
		ResetMaxConfidence:  30,
	}
}

func (c *Config) CheckInterval() time.Duration {
	return constants.MillisecondsToDuration(c.CheckIntervalMS)
}

func (c *Config) LeaderElectionTTLDuration() time.Duration {
	return constants.SecondsToDuration(c.LeaderElectionTTL)
}

func (c *Config) WinnerLockTTL() time.Duration {
	return constants.SecondsToDuration(c.WinnerLockTTLSeconds)
}

func (c *Config) JobTTL() time.Duration {
	return time.Duration(c.JobTTLHours) * time.Hour
}

func (c *Config) StatusCallbackURL(legID string) string {
	return c.PublicBaseURL + "/webhooks/status?legId=" + legID
}

func (c *Config) VoiceURL(legID string) string {
	return c.PublicBaseURL + "/webhooks/voice?legId=" + legID
}

// MediaStreamURL is the websocket address the provider streams audio to
func (c *Config) MediaStreamURL() string {
	base := c.PublicBaseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/media-stream"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvDurationMS(key string, defaultMS int64) time.Duration {
	return time.Duration(getEnvInt64(key, defaultMS)) * time.Millisecond
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func generatePodID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return uuid.New().String()
	}
	return hostname + "-" + uuid.New().String()[:8]
}
