package stream

import (
	"context"
	"encoding/base64"
	"math"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/alarm"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/audio"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/config"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/detection"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/legs"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/lock"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/models"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/provider"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/race"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/store"
	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/store/storetest"
)

type fakeRacer struct {
	mu      sync.Mutex
	sources map[string][]string
}

func (f *fakeRacer) OnDetected(_ context.Context, legID, source string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sources[legID] = append(f.sources[legID], source)
	return nil
}

func (f *fakeRacer) calls(legID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sources[legID]...)
}

type fixture struct {
	env      *storetest.Env
	fake     *provider.Fake
	racer    *fakeRacer
	alarms   *alarm.Alarms
	registry *Registry
	t0       time.Time
}

func setup(t *testing.T) *fixture {
	env := storetest.New(t)
	fake := provider.NewFake()
	racer := &fakeRacer{sources: make(map[string][]string)}
	alarms := alarm.New(env.Logger)
	t.Cleanup(alarms.StopAll)

	cfg := config.DefaultDetection()
	cfg.TooBusyGrace = 10 * time.Millisecond

	manager := legs.NewManager(env.Store, nil, nil, nil, env.Logger, env.Metrics)
	registry := NewRegistry(cfg, env.Store, fake, manager, racer, alarms, env.Logger, env.Metrics)
	registry.rebindGrace = 20 * time.Millisecond
	manager.OnLegClosed(func(legID string) {
		alarms.Cancel(legID)
		registry.CloseLeg(legID)
	})

	return &fixture{
		env:      env,
		fake:     fake,
		racer:    racer,
		alarms:   alarms,
		registry: registry,
		t0:       time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC),
	}
}

// answered seeds a two-leg job whose first leg was answered at t0
func (f *fixture) answered(t *testing.T) string {
	f.env.SeedJob(t, "job1", 2, models.JobRunning)
	legID := storetest.LegID("job1", 0)
	f.env.Dial(t, legID, "CA1", models.LegAnswered)
	_, err := f.env.Store.StampLegOnce(context.Background(), legID, store.LegAnsweredAt, f.t0)
	require.NoError(t, err)
	return legID
}

// greeting alternates loud and quiet frames, which reads as speech
func greeting(seconds int) []byte {
	out := make([]byte, seconds*8000)
	for i := range out {
		amplitude := 0.3
		if (i/audio.FrameSamples)%2 == 1 {
			amplitude = 0.02
		}
		v := amplitude * math.Sin(2*math.Pi*440*float64(i)/8000)
		out[i] = audio.EncodeMulaw(int16(v * 32767))
	}
	return out
}

// holdMusic is a steady tone loud enough to read as music
func holdMusic(seconds int) []byte {
	out := make([]byte, seconds*8000)
	for i := range out {
		v := 0.17 * math.Sin(2*math.Pi*440*float64(i)/8000)
		out[i] = audio.EncodeMulaw(int16(v * 32767))
	}
	return out
}

func silence(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = 0xFF
	}
	return out
}

func TestRegistry_OpenRebindAndClose(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	legID := f.answered(t)

	first, err := f.registry.Open(ctx, "MZ1", "", legID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.registry.Active())

	// a digit press restarts the stream under a new id
	second, err := f.registry.Open(ctx, "MZ2", "CA1", "")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, f.registry.Active())

	f.registry.Close("MZ1")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.registry.Active(), "closing a replaced stream keeps the session")

	f.registry.Close("MZ2")
	assert.Eventually(t, func() bool { return f.registry.Active() == 0 }, time.Second, 5*time.Millisecond)
	_, ok := f.registry.ByLeg(legID)
	assert.False(t, ok)
}

func TestRegistry_ReopenWithinGraceKeepsSession(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	legID := f.answered(t)
	f.registry.rebindGrace = 200 * time.Millisecond

	first, err := f.registry.Open(ctx, "MZ1", "CA1", legID)
	require.NoError(t, err)
	f.registry.Close("MZ1")

	second, err := f.registry.Open(ctx, "MZ2", "CA1", legID)
	require.NoError(t, err)
	assert.Same(t, first, second)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, f.registry.Active())
}

func TestRegistry_RejectsClosedLegs(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.env.SeedJob(t, "job1", 2, models.JobRunning)
	f.env.Dial(t, storetest.LegID("job1", 0), "CA1", models.LegEnded)
	f.env.Dial(t, storetest.LegID("job1", 1), "CA2", models.LegLive)

	_, err := f.registry.Open(ctx, "MZ1", "CA1", "")
	assert.ErrorIs(t, err, ErrLegClosed)
	_, err = f.registry.Open(ctx, "MZ2", "", storetest.LegID("job1", 1))
	assert.ErrorIs(t, err, ErrLegClosed)

	_, err = f.registry.Open(ctx, "MZ3", "CA-unknown", "")
	assert.ErrorIs(t, err, store.ErrLegNotFound)
	assert.Zero(t, f.registry.Active())
}

func TestSession_VoicemailFailsAndHangsUpLeg(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	legID := f.answered(t)

	sess, err := f.registry.Open(ctx, "MZ1", "CA1", legID)
	require.NoError(t, err)

	audioBytes := greeting(10)
	for i := 0; i*audio.WindowSamples < len(audioBytes); i++ {
		chunk := audioBytes[i*audio.WindowSamples : (i+1)*audio.WindowSamples]
		sess.Feed(chunk, f.t0.Add(time.Duration(i+1)*250*time.Millisecond))
	}

	leg := f.env.Leg(t, legID)
	assert.Equal(t, models.LegFailed, leg.Status)
	assert.Equal(t, models.ReasonVoicemail, leg.FailureReason)
	assert.Equal(t, []string{"CA1"}, f.fake.HungUp())
	assert.Zero(t, f.registry.Active(), "the closed leg's session is discarded")

	sibling := f.env.Leg(t, storetest.LegID("job1", 1))
	assert.Equal(t, models.LegDialing, sibling.Status)
	assert.Equal(t, models.JobRunning, f.env.Job(t, "job1").Status)

	snap, err := f.env.Store.GetDetection(ctx, legID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, string(detection.PhaseVoicemail), snap.Phase)
}

func TestSession_SilenceDecidesNothing(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	legID := f.answered(t)

	sess, err := f.registry.Open(ctx, "MZ1", "CA1", legID)
	require.NoError(t, err)
	for i := 0; i < 80; i++ {
		sess.Feed(silence(audio.WindowSamples), f.t0.Add(time.Duration(i+1)*250*time.Millisecond))
	}

	assert.Equal(t, models.LegAnswered, f.env.Leg(t, legID).Status)
	assert.Empty(t, f.fake.HungUp())
	assert.Equal(t, string(detection.PhaseAwaitingDTMF2), sess.Snapshot().Phase)
}

func TestSession_LiveAgentRacesOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	legID := f.answered(t)

	sess, err := f.registry.Open(ctx, "MZ1", "CA1", legID)
	require.NoError(t, err)

	sess.act(detection.Decision{Kind: detection.KindLiveAgent, Phase: detection.PhaseDetected, Confidence: 85, At: f.t0})
	sess.act(detection.Decision{Kind: detection.KindLiveAgent, Phase: detection.PhaseDetected, Confidence: 100, At: f.t0})

	assert.Equal(t, []string{"audio"}, f.racer.calls(legID))
}

func TestSession_TooBusyFailsAfterGrace(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	legID := f.answered(t)

	sess, err := f.registry.Open(ctx, "MZ1", "CA1", legID)
	require.NoError(t, err)
	sess.act(detection.Decision{Kind: detection.KindTooBusy, Phase: detection.PhaseTooBusy, At: f.t0})

	assert.Eventually(t, func() bool {
		leg, err := f.env.Store.GetLeg(ctx, legID)
		return err == nil && leg.Status == models.LegFailed
	}, time.Second, 5*time.Millisecond)

	leg := f.env.Leg(t, legID)
	assert.Equal(t, models.ReasonTooBusy, leg.FailureReason)
	assert.Eventually(t, func() bool { return len(f.fake.HungUp()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestSession_TooBusyGraceCancelledWithLeg(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	legID := f.answered(t)
	f.registry.cfg.TooBusyGrace = 100 * time.Millisecond

	sess, err := f.registry.Open(ctx, "MZ1", "CA1", legID)
	require.NoError(t, err)
	sess.act(detection.Decision{Kind: detection.KindTooBusy, Phase: detection.PhaseTooBusy, At: f.t0})
	f.alarms.Cancel(legID)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, models.LegAnswered, f.env.Leg(t, legID).Status)
}

func TestSession_HoldMusicStampsLeg(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.env.SeedJob(t, "job1", 1, models.JobRunning)
	legID := storetest.LegID("job1", 0)
	f.env.Dial(t, legID, "CA1", models.LegDialing)

	sess, err := f.registry.Open(ctx, "MZ1", "CA1", legID)
	require.NoError(t, err)

	confirmed := f.t0.Add(30 * time.Second)
	sess.act(detection.Decision{Kind: detection.KindHoldMusic, Phase: detection.PhaseHoldMusicConfirmed, At: confirmed})

	leg := f.env.Leg(t, legID)
	require.NotNil(t, leg.HoldStartedAt)
	assert.True(t, leg.HoldStartedAt.Equal(confirmed))
	assert.Equal(t, models.EventHoldMusic, leg.LastEventType)
}

func TestSession_MusicSilenceSpeechTransfersWinner(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	locker := lock.NewRedisLocker(f.env.Redis)
	executor := race.NewExecutor(f.env.Store, locker, f.fake, 0, f.env.Logger, f.env.Metrics)
	coordinator := race.NewCoordinator(f.env.Store, locker, executor, time.Minute, f.env.Logger, f.env.Metrics)
	manager := legs.NewManager(f.env.Store, nil, nil, nil, f.env.Logger, f.env.Metrics)
	registry := NewRegistry(config.DefaultDetection(), f.env.Store, f.fake, manager, coordinator, f.alarms, f.env.Logger, f.env.Metrics)
	executor.OnLegClosed(registry.CloseLeg)

	f.env.SeedJob(t, "job2", 3, models.JobRunning)
	for i, sid := range []string{"CA-job2-0", "CA-job2-1", "CA-job2-2"} {
		f.env.Dial(t, storetest.LegID("job2", i), sid, models.LegHolding)
	}
	winner := storetest.LegID("job2", 0)
	_, err := f.env.Store.StampLegOnce(ctx, winner, store.LegAnsweredAt, f.t0)
	require.NoError(t, err)

	sess, err := registry.Open(ctx, "MZ1", "", winner)
	require.NoError(t, err)
	registry.DTMF2Sent(winner, f.t0)

	// 21s of music ends on a window boundary, past the busy recording's reach
	var stream []byte
	stream = append(stream, holdMusic(21)...)
	stream = append(stream, silence(8*audio.WindowSamples)...)
	stream = append(stream, greeting(5)...)

	for i := 0; i*audio.WindowSamples < len(stream); i++ {
		chunk := stream[i*audio.WindowSamples : (i+1)*audio.WindowSamples]
		sess.Feed(chunk, f.t0.Add(time.Duration(i+1)*250*time.Millisecond))
	}
	executor.Wait()

	w := f.env.Leg(t, winner)
	assert.Equal(t, models.LegTransferred, w.Status)
	require.NotNil(t, w.HoldStartedAt)
	assert.NotNil(t, w.LiveDetectedAt)

	job := f.env.Job(t, "job2")
	assert.Equal(t, models.JobTransferred, job.Status)
	assert.Equal(t, winner, job.WinningLegID)
	assert.Equal(t, 1, f.fake.TransferCount())

	for i := 1; i < 3; i++ {
		assert.Equal(t, models.LegEnded, f.env.Leg(t, storetest.LegID("job2", i)).Status)
	}
	assert.ElementsMatch(t, []string{"CA-job2-1", "CA-job2-2"}, f.fake.HungUp())
	assert.Zero(t, registry.Active(), "the winner's session closes with its leg")
}

func TestHandler_MediaStreamLifecycle(t *testing.T) {
	f := setup(t)
	legID := f.answered(t)

	srv := httptest.NewServer(NewHandler(f.registry, f.env.Logger))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"event": "connected"}))
	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"event":     "start",
		"streamSid": "MZ1",
		"start": map[string]interface{}{
			"streamSid":        "MZ1",
			"callSid":          "CA1",
			"tracks":           []string{"inbound"},
			"customParameters": map[string]string{provider.LegParameter: legID},
		},
	}))
	for i := 0; i < 5; i++ {
		require.NoError(t, conn.WriteJSON(map[string]interface{}{
			"event":     "media",
			"streamSid": "MZ1",
			"media": map[string]string{
				"track":   "inbound",
				"payload": base64.StdEncoding.EncodeToString(silence(audio.FrameSamples)),
			},
		}))
	}

	assert.Eventually(t, func() bool { return f.registry.Active() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"event": "stop", "streamSid": "MZ1"}))
	assert.Eventually(t, func() bool { return f.registry.Active() == 0 }, time.Second, 5*time.Millisecond)
}
