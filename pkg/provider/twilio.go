package provider

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/config"
)

// CallAPI is the subset of the Twilio REST API used here
type CallAPI interface {
	CreateCall(params *openapi.CreateCallParams) (*openapi.ApiV2010Call, error)
	UpdateCall(sid string, params *openapi.UpdateCallParams) (*openapi.ApiV2010Call, error)
}

var statusEvents = []string{"initiated", "ringing", "answered", "completed"}

type Twilio struct {
	api       CallAPI
	from      string
	streamURL string
	logger    *logrus.Logger
}

func NewTwilio(cfg *config.Config, logger *logrus.Logger) *Twilio {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.TwilioAccountSID,
		Password: cfg.TwilioAuthToken,
	})
	return NewTwilioWithAPI(client.Api, cfg.FromNumber, cfg.MediaStreamURL(), logger)
}

func NewTwilioWithAPI(api CallAPI, from, streamURL string, logger *logrus.Logger) *Twilio {
	return &Twilio{
		api:       api,
		from:      from,
		streamURL: streamURL,
		logger:    logger,
	}
}

func (t *Twilio) PlaceCall(ctx context.Context, req PlaceRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	params := &openapi.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(t.from)
	params.SetUrl(req.VoiceURL)
	params.SetStatusCallback(req.StatusURL)
	params.SetStatusCallbackEvent(statusEvents)
	params.SetStatusCallbackMethod("POST")
	if req.RingTimeout > 0 {
		params.SetTimeout(req.RingTimeout)
	}

	call, err := t.api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("failed to create call: %w", err)
	}
	if call == nil || call.Sid == nil {
		return "", ErrNoCallSID
	}

	t.logger.WithFields(logrus.Fields{
		"leg_id":   req.LegID,
		"call_sid": *call.Sid,
	}).Info("Placed outbound call")
	return *call.Sid, nil
}

func (t *Twilio) SendDigits(ctx context.Context, callSID, digits, legID string) error {
	doc, err := DigitsTwiML(digits, t.streamURL, legID)
	if err != nil {
		return fmt.Errorf("failed to build digits twiml: %w", err)
	}
	return t.update(ctx, callSID, "send_digits", (&openapi.UpdateCallParams{}).SetTwiml(doc))
}

func (t *Twilio) Transfer(ctx context.Context, callSID, number, extension string) error {
	doc, err := TransferTwiML(number, extension)
	if err != nil {
		return fmt.Errorf("failed to build transfer twiml: %w", err)
	}
	return t.update(ctx, callSID, "transfer", (&openapi.UpdateCallParams{}).SetTwiml(doc))
}

func (t *Twilio) Hangup(ctx context.Context, callSID string) error {
	return t.update(ctx, callSID, "hangup", (&openapi.UpdateCallParams{}).SetStatus("completed"))
}

func (t *Twilio) update(ctx context.Context, callSID, action string, params *openapi.UpdateCallParams) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := t.api.UpdateCall(callSID, params); err != nil {
		return fmt.Errorf("failed to %s call %s: %w", action, callSID, err)
	}

	t.logger.WithFields(logrus.Fields{
		"call_sid": callSID,
		"action":   action,
	}).Debug("Updated call")
	return nil
}
