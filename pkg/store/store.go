package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/constants"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/metrics"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/models"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrLegNotFound = errors.New("leg not found")
)

// Hash field names shared by jobs and legs
const (
	fieldStatus         = "status"
	fieldWinningLegID   = "winning_leg_id"
	fieldStartedAt      = "started_at"
	fieldTransferredAt  = "transferred_at"
	fieldStoppedAt      = "stopped_at"
	fieldCallSID        = "call_sid"
	fieldFailureReason  = "failure_reason"
	fieldManualOverride = "manual_override"
	fieldAnsweredAt     = "answered_at"
	fieldHoldStartedAt  = "hold_started_at"
	fieldDTMF2SentAt    = "dtmf2_sent_at"
	fieldLiveDetectedAt = "live_detected_at"
	fieldEndedAt        = "ended_at"
	fieldLastEventAt    = "last_event_at"
	fieldLastEventType  = "last_event_type"
)

// Timestamp fields a caller may stamp on a leg
const (
	LegAnsweredAt     = fieldAnsweredAt
	LegHoldStartedAt  = fieldHoldStartedAt
	LegDTMF2SentAt    = fieldDTMF2SentAt
	LegLiveDetectedAt = fieldLiveDetectedAt
	LegTransferredAt  = fieldTransferredAt
	LegEndedAt        = fieldEndedAt
)

// transitionScript applies a status change unless the current status is in the blocked list.
// ARGV: nblocked, blocked..., field, value, field, value...
var legTransitionScript = redis.NewScript(`
	local cur = redis.call("HGET", KEYS[1], "status")
	if not cur then
		return {-1, ""}
	end
	local nblocked = tonumber(ARGV[1])
	for i = 2, nblocked + 1 do
		if cur == ARGV[i] then
			return {0, cur}
		end
	end
	for i = nblocked + 2, #ARGV, 2 do
		redis.call("HSET", KEYS[1], ARGV[i], ARGV[i + 1])
	end
	return {1, cur}
`)

// jobTransitionScript applies a status change only from one of the allowed statuses.
// ARGV: nallowed, allowed..., field, value, field, value...
var jobTransitionScript = redis.NewScript(`
	local cur = redis.call("HGET", KEYS[1], "status")
	if not cur then
		return -1
	end
	local nallowed = tonumber(ARGV[1])
	local allowed = false
	for i = 2, nallowed + 1 do
		if cur == ARGV[i] then
			allowed = true
		end
	end
	if not allowed then
		return 0
	end
	for i = nallowed + 2, #ARGV, 2 do
		redis.call("HSET", KEYS[1], ARGV[i], ARGV[i + 1])
	end
	return 1
`)

// legSetScript writes fields only onto a leg that still exists, so a write racing
// the TTL never leaves a fragment behind. ARGV: field, value, field, value...
var legSetScript = redis.NewScript(`
	if redis.call("EXISTS", KEYS[1]) == 0 then
		return -1
	end
	for i = 1, #ARGV, 2 do
		redis.call("HSET", KEYS[1], ARGV[i], ARGV[i + 1])
	end
	return 1
`)

// legStampOnceScript is HSETNX on an existing leg. ARGV: field, value
var legStampOnceScript = redis.NewScript(`
	if redis.call("EXISTS", KEYS[1]) == 0 then
		return -1
	end
	return redis.call("HSETNX", KEYS[1], ARGV[1], ARGV[2])
`)

// Store persists jobs, legs and their event history with a TTL
type Store struct {
	rdb     *redis.Client
	ttl     time.Duration
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func New(rdb *redis.Client, ttl time.Duration, logger *logrus.Logger, metrics *metrics.Metrics) *Store {
	return &Store{
		rdb:     rdb,
		ttl:     ttl,
		logger:  logger,
		metrics: metrics,
	}
}

// LegTransition describes a guarded leg status change
type LegTransition struct {
	To        models.LegStatus
	BlockedIn []models.LegStatus
	EventType string
	At        time.Time
	Reason    string
	Stamps    []string
}

// TransitionResult reports what a guarded transition did
type TransitionResult struct {
	Applied  bool
	Previous models.LegStatus
}

// CreateJob writes the job, its legs and indexes in one pipeline
func (s *Store) CreateJob(ctx context.Context, job *models.Job, legs []*models.CallLeg) error {
	defer s.observe("create_job", time.Now())

	pipe := s.rdb.TxPipeline()

	jobKey := constants.JobKey(job.ID)
	pipe.HSet(ctx, jobKey, encodeJob(job))
	pipe.Expire(ctx, jobKey, s.ttl)

	legsKey := constants.JobLegsKey(job.ID)
	for _, leg := range legs {
		legKey := constants.LegKey(leg.ID)
		pipe.HSet(ctx, legKey, encodeLeg(leg))
		pipe.Expire(ctx, legKey, s.ttl)
		pipe.SAdd(ctx, legsKey, leg.ID)
		pipe.SAdd(ctx, constants.ActiveLegsKey, leg.ID)
	}
	pipe.Expire(ctx, legsKey, s.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"job_id":     job.ID,
		"line_count": len(legs),
	}).Debug("Created job")
	return nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	defer s.observe("get_job", time.Now())

	values, err := s.rdb.HGetAll(ctx, constants.JobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	if len(values) == 0 {
		return nil, ErrJobNotFound
	}
	return decodeJob(jobID, values), nil
}

func (s *Store) GetLeg(ctx context.Context, legID string) (*models.CallLeg, error) {
	defer s.observe("get_leg", time.Now())

	values, err := s.rdb.HGetAll(ctx, constants.LegKey(legID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get leg: %w", err)
	}
	if len(values) == 0 {
		return nil, ErrLegNotFound
	}
	return decodeLeg(legID, values), nil
}

// ListLegs returns the legs of a job ordered by placement index
func (s *Store) ListLegs(ctx context.Context, jobID string) ([]*models.CallLeg, error) {
	defer s.observe("list_legs", time.Now())

	ids, err := s.rdb.SMembers(ctx, constants.JobLegsKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list legs: %w", err)
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.StringStringMapCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, constants.LegKey(id))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("failed to load legs: %w", err)
		}
	}

	legs := make([]*models.CallLeg, 0, len(ids))
	for i, cmd := range cmds {
		values := cmd.Val()
		if len(values) == 0 {
			continue
		}
		legs = append(legs, decodeLeg(ids[i], values))
	}
	sort.Slice(legs, func(i, j int) bool { return legs[i].Index < legs[j].Index })
	return legs, nil
}

// AttachCall records the provider call identifier and indexes it back to the leg
func (s *Store) AttachCall(ctx context.Context, legID, callSID string) error {
	defer s.observe("attach_call", time.Now())

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, constants.LegKey(legID), fieldCallSID, callSID)
	pipe.Set(ctx, constants.CallIndexKey(callSID), legID, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to attach call: %w", err)
	}
	return nil
}

// LegIDForCall resolves a provider call identifier
func (s *Store) LegIDForCall(ctx context.Context, callSID string) (string, error) {
	legID, err := s.rdb.Get(ctx, constants.CallIndexKey(callSID)).Result()
	if err == redis.Nil {
		return "", ErrLegNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve call: %w", err)
	}
	return legID, nil
}

// TransitionLeg applies a guarded status change and appends it to the leg's history
func (s *Store) TransitionLeg(ctx context.Context, legID string, tr LegTransition) (TransitionResult, error) {
	defer s.observe("transition_leg", time.Now())

	at := formatTime(tr.At)
	args := []interface{}{len(tr.BlockedIn)}
	for _, status := range tr.BlockedIn {
		args = append(args, string(status))
	}
	args = append(args,
		fieldStatus, string(tr.To),
		fieldLastEventAt, at,
		fieldLastEventType, tr.EventType,
	)
	if tr.Reason != "" {
		args = append(args, fieldFailureReason, tr.Reason)
	}
	for _, field := range tr.Stamps {
		args = append(args, field, at)
	}

	res, err := legTransitionScript.Run(ctx, s.rdb, []string{constants.LegKey(legID)}, args...).Slice()
	if err != nil {
		return TransitionResult{}, fmt.Errorf("failed to transition leg: %w", err)
	}

	code, _ := res[0].(int64)
	previous, _ := res[1].(string)
	if code < 0 {
		return TransitionResult{}, ErrLegNotFound
	}

	result := TransitionResult{Applied: code == 1, Previous: models.LegStatus(previous)}
	if !result.Applied {
		return result, nil
	}

	if err := s.AppendEvent(ctx, legID, models.LegEvent{Status: tr.To, EventType: tr.EventType, At: tr.At}); err != nil {
		s.logger.WithError(err).WithField("leg_id", legID).Warn("Failed to append leg event")
	}
	return result, nil
}

// MarkLegEvent updates the last-event marker without changing status
func (s *Store) MarkLegEvent(ctx context.Context, legID, eventType string, at time.Time, stamps ...string) error {
	defer s.observe("mark_leg_event", time.Now())

	values := []interface{}{fieldLastEventAt, formatTime(at), fieldLastEventType, eventType}
	for _, field := range stamps {
		values = append(values, field, formatTime(at))
	}
	if err := s.setLegFields(ctx, legID, values...); err != nil {
		return fmt.Errorf("failed to mark leg event: %w", err)
	}
	return nil
}

// StampLegOnce sets a timestamp field only if it has never been set
func (s *Store) StampLegOnce(ctx context.Context, legID, field string, at time.Time) (bool, error) {
	code, err := legStampOnceScript.Run(ctx, s.rdb, []string{constants.LegKey(legID)}, field, formatTime(at)).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to stamp %s: %w", field, err)
	}
	if code < 0 {
		return false, ErrLegNotFound
	}
	return code == 1, nil
}

func (s *Store) SetManualOverride(ctx context.Context, legID string) error {
	if err := s.setLegFields(ctx, legID, fieldManualOverride, "1"); err != nil {
		return fmt.Errorf("failed to set manual override: %w", err)
	}
	return nil
}

func (s *Store) setLegFields(ctx context.Context, legID string, values ...interface{}) error {
	code, err := legSetScript.Run(ctx, s.rdb, []string{constants.LegKey(legID)}, values...).Int64()
	if err != nil {
		return err
	}
	if code < 0 {
		return ErrLegNotFound
	}
	return nil
}

// TransitionJob moves a job to status only if it is currently in one of from
func (s *Store) TransitionJob(ctx context.Context, jobID string, from []models.JobStatus, to models.JobStatus, at time.Time, winningLegID string) (bool, error) {
	defer s.observe("transition_job", time.Now())

	args := []interface{}{len(from)}
	for _, status := range from {
		args = append(args, string(status))
	}
	args = append(args, fieldStatus, string(to))

	switch to {
	case models.JobRunning:
		args = append(args, fieldStartedAt, formatTime(at))
	case models.JobTransferred:
		args = append(args, fieldTransferredAt, formatTime(at), fieldWinningLegID, winningLegID)
	case models.JobStopped, models.JobFailed:
		args = append(args, fieldStoppedAt, formatTime(at))
	}

	code, err := jobTransitionScript.Run(ctx, s.rdb, []string{constants.JobKey(jobID)}, args...).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to transition job: %w", err)
	}
	if code < 0 {
		return false, ErrJobNotFound
	}
	return code == 1, nil
}

// AppendEvent pushes onto the leg's history, keeping the newest entries only
func (s *Store) AppendEvent(ctx context.Context, legID string, event models.LegEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal leg event: %w", err)
	}

	key := constants.LegEventsKey(legID)
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -constants.LegEventHistoryLength, -1)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append leg event: %w", err)
	}
	return nil
}

// Events returns the leg's history oldest first
func (s *Store) Events(ctx context.Context, legID string) ([]models.LegEvent, error) {
	raw, err := s.rdb.LRange(ctx, constants.LegEventsKey(legID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read leg events: %w", err)
	}

	events := make([]models.LegEvent, 0, len(raw))
	for _, item := range raw {
		var event models.LegEvent
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			s.logger.WithError(err).WithField("leg_id", legID).Warn("Skipping malformed leg event")
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

func (s *Store) ActiveLegIDs(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, constants.ActiveLegsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active legs: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// ReleaseActive drops a leg from the active set; false when it was not there
func (s *Store) ReleaseActive(ctx context.Context, legID string) (bool, error) {
	n, err := s.rdb.SRem(ctx, constants.ActiveLegsKey, legID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to release leg: %w", err)
	}
	return n == 1, nil
}

func (s *Store) SaveDetection(ctx context.Context, snapshot models.DetectionSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal detection snapshot: %w", err)
	}
	if err := s.rdb.Set(ctx, constants.DetectionKey(snapshot.LegID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save detection snapshot: %w", err)
	}
	return nil
}

// GetDetection returns the last persisted snapshot, or nil when none was saved
func (s *Store) GetDetection(ctx context.Context, legID string) (*models.DetectionSnapshot, error) {
	data, err := s.rdb.Get(ctx, constants.DetectionKey(legID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get detection snapshot: %w", err)
	}

	var snapshot models.DetectionSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("invalid detection snapshot: %w", err)
	}
	return &snapshot, nil
}

func (s *Store) observe(operation string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.RedisOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func encodeJob(job *models.Job) map[string]interface{} {
	values := map[string]interface{}{
		"destination_number": job.DestinationNumber,
		"queue_number":       job.QueueNumber,
		"queue_extension":    job.QueueExtension,
		"queue_id":           job.QueueID,
		"line_count":         job.LineCount,
		fieldStatus:          string(job.Status),
		"created_at":         formatTime(job.CreatedAt),
	}
	if job.WinningLegID != "" {
		values[fieldWinningLegID] = job.WinningLegID
	}
	putTime(values, fieldStartedAt, job.StartedAt)
	putTime(values, fieldTransferredAt, job.TransferredAt)
	putTime(values, fieldStoppedAt, job.StoppedAt)
	return values
}

func decodeJob(id string, values map[string]string) *models.Job {
	lineCount, _ := strconv.Atoi(values["line_count"])
	return &models.Job{
		ID:                id,
		DestinationNumber: values["destination_number"],
		QueueNumber:       values["queue_number"],
		QueueExtension:    values["queue_extension"],
		QueueID:           values["queue_id"],
		LineCount:         lineCount,
		Status:            models.JobStatus(values[fieldStatus]),
		WinningLegID:      values[fieldWinningLegID],
		CreatedAt:         derefTime(parseTime(values["created_at"])),
		StartedAt:         parseTime(values[fieldStartedAt]),
		TransferredAt:     parseTime(values[fieldTransferredAt]),
		StoppedAt:         parseTime(values[fieldStoppedAt]),
	}
}

func encodeLeg(leg *models.CallLeg) map[string]interface{} {
	values := map[string]interface{}{
		"job_id":    leg.JobID,
		"index":     leg.Index,
		fieldStatus: string(leg.Status),
	}
	if leg.CallSID != "" {
		values[fieldCallSID] = leg.CallSID
	}
	if leg.FailureReason != "" {
		values[fieldFailureReason] = leg.FailureReason
	}
	if leg.LastEventType != "" {
		values[fieldLastEventType] = leg.LastEventType
	}
	putTime(values, fieldAnsweredAt, leg.AnsweredAt)
	putTime(values, fieldHoldStartedAt, leg.HoldStartedAt)
	putTime(values, fieldDTMF2SentAt, leg.DTMF2SentAt)
	putTime(values, fieldLiveDetectedAt, leg.LiveDetectedAt)
	putTime(values, fieldTransferredAt, leg.TransferredAt)
	putTime(values, fieldEndedAt, leg.EndedAt)
	putTime(values, fieldLastEventAt, leg.LastEventAt)
	return values
}

func decodeLeg(id string, values map[string]string) *models.CallLeg {
	index, _ := strconv.Atoi(values["index"])
	return &models.CallLeg{
		ID:             id,
		JobID:          values["job_id"],
		Index:          index,
		CallSID:        values[fieldCallSID],
		Status:         models.LegStatus(values[fieldStatus]),
		FailureReason:  values[fieldFailureReason],
		ManualOverride: values[fieldManualOverride] == "1",
		AnsweredAt:     parseTime(values[fieldAnsweredAt]),
		HoldStartedAt:  parseTime(values[fieldHoldStartedAt]),
		DTMF2SentAt:    parseTime(values[fieldDTMF2SentAt]),
		LiveDetectedAt: parseTime(values[fieldLiveDetectedAt]),
		TransferredAt:  parseTime(values[fieldTransferredAt]),
		EndedAt:        parseTime(values[fieldEndedAt]),
		LastEventAt:    parseTime(values[fieldLastEventAt]),
		LastEventType:  values[fieldLastEventType],
	}
}

func putTime(values map[string]interface{}, field string, t *time.Time) {
	if t != nil {
		values[field] = formatTime(*t)
	}
}

func formatTime(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseTime(value string) *time.Time {
	if value == "" {
		return nil
	}
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return nil
	}
	t := time.UnixMilli(ms)
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
