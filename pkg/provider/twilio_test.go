package provider

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

type fakeCallAPI struct {
	created []*openapi.CreateCallParams
	updated map[string][]*openapi.UpdateCallParams
	sid     string
	err     error
}

func (f *fakeCallAPI) CreateCall(params *openapi.CreateCallParams) (*openapi.ApiV2010Call, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.created = append(f.created, params)
	if f.sid == "" {
		return &openapi.ApiV2010Call{}, nil
	}
	sid := f.sid
	return &openapi.ApiV2010Call{Sid: &sid}, nil
}

func (f *fakeCallAPI) UpdateCall(sid string, params *openapi.UpdateCallParams) (*openapi.ApiV2010Call, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.updated == nil {
		f.updated = make(map[string][]*openapi.UpdateCallParams)
	}
	f.updated[sid] = append(f.updated[sid], params)
	return &openapi.ApiV2010Call{Sid: &sid}, nil
}

func newTestTwilio(api *fakeCallAPI) *Twilio {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewTwilioWithAPI(api, "+15550000000", "wss://hunter.example.com/media-stream", logger)
}

func TestTwilio_PlaceCall(t *testing.T) {
	api := &fakeCallAPI{sid: "CA123"}
	tw := newTestTwilio(api)

	sid, err := tw.PlaceCall(context.Background(), PlaceRequest{
		LegID:       "leg-1",
		To:          "+18008291040",
		VoiceURL:    "https://hunter.example.com/webhooks/voice?legId=leg-1",
		StatusURL:   "https://hunter.example.com/webhooks/status?legId=leg-1",
		RingTimeout: 45,
	})
	require.NoError(t, err)
	assert.Equal(t, "CA123", sid)

	require.Len(t, api.created, 1)
	params := api.created[0]
	assert.Equal(t, "+18008291040", *params.To)
	assert.Equal(t, "+15550000000", *params.From)
	assert.Equal(t, "https://hunter.example.com/webhooks/voice?legId=leg-1", *params.Url)
	assert.Equal(t, "https://hunter.example.com/webhooks/status?legId=leg-1", *params.StatusCallback)
	assert.Equal(t, []string{"initiated", "ringing", "answered", "completed"}, *params.StatusCallbackEvent)
	assert.Equal(t, 45, *params.Timeout)
}

func TestTwilio_PlaceCallErrors(t *testing.T) {
	tw := newTestTwilio(&fakeCallAPI{})
	_, err := tw.PlaceCall(context.Background(), PlaceRequest{To: "+1"})
	assert.ErrorIs(t, err, ErrNoCallSID)

	boom := errors.New("rate limited")
	tw = newTestTwilio(&fakeCallAPI{err: boom})
	_, err = tw.PlaceCall(context.Background(), PlaceRequest{To: "+1"})
	assert.ErrorIs(t, err, boom)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tw.PlaceCall(ctx, PlaceRequest{To: "+1"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTwilio_SendDigitsKeepsStream(t *testing.T) {
	api := &fakeCallAPI{}
	tw := newTestTwilio(api)

	require.NoError(t, tw.SendDigits(context.Background(), "CA1", "2", "leg-7"))

	require.Len(t, api.updated["CA1"], 1)
	doc := *api.updated["CA1"][0].Twiml
	assert.Contains(t, doc, `digits="2"`)
	assert.Contains(t, doc, `url="wss://hunter.example.com/media-stream"`)
	assert.Contains(t, doc, `value="leg-7"`)
	assert.Less(t, strings.Index(doc, "<Play"), strings.Index(doc, "<Start"), "digits play before the stream restarts")
}

func TestTwilio_TransferWithExtension(t *testing.T) {
	api := &fakeCallAPI{}
	tw := newTestTwilio(api)

	require.NoError(t, tw.Transfer(context.Background(), "CA9", "+18005551234", "4321"))

	doc := *api.updated["CA9"][0].Twiml
	assert.Contains(t, doc, "<Dial>")
	assert.Contains(t, doc, "+18005551234</Number>")
	assert.Contains(t, doc, `sendDigits="ww4321"`)
}

func TestTwilio_Hangup(t *testing.T) {
	api := &fakeCallAPI{}
	tw := newTestTwilio(api)

	require.NoError(t, tw.Hangup(context.Background(), "CA5"))
	assert.Equal(t, "completed", *api.updated["CA5"][0].Status)
}

func TestStreamTwiML(t *testing.T) {
	doc, err := StreamTwiML("wss://x/media-stream", "leg-2")
	require.NoError(t, err)
	assert.Contains(t, doc, "<Start>")
	assert.Contains(t, doc, `name="legId"`)
	assert.Contains(t, doc, `value="leg-2"`)
	assert.Contains(t, doc, `length="3600"`)
	assert.NotContains(t, doc, "<Play")
}
