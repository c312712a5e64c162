// Package provider talks to the telephony provider: originating calls,
// injecting digits, redirecting the winner and hanging up the rest.
package provider

import (
	"context"
	"errors"
)

var ErrNoCallSID = errors.New("provider returned no call sid")

// PlaceRequest describes one outbound call
type PlaceRequest struct {
	LegID       string
	To          string
	VoiceURL    string
	StatusURL   string
	RingTimeout int
}

// Provider is the outbound side of the telephony integration
type Provider interface {
	PlaceCall(ctx context.Context, req PlaceRequest) (string, error)
	// SendDigits plays digits on the live call and resumes the leg's media stream
	SendDigits(ctx context.Context, callSID, digits, legID string) error
	// Transfer redirects the call to number, dialing extension once connected
	Transfer(ctx context.Context, callSID, number, extension string) error
	Hangup(ctx context.Context, callSID string) error
}
