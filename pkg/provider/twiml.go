package provider

import (
	"strings"

	"github.com/twilio/twilio-go/twiml"
)

// LegParameter is the custom stream parameter carrying the leg id
const LegParameter = "legId"

// holdOpenSeconds keeps the call up while the fork streams audio
const holdOpenSeconds = "3600"

func streamElements(streamURL, legID string) []twiml.Element {
	return []twiml.Element{
		&twiml.VoiceStart{
			InnerElements: []twiml.Element{
				&twiml.VoiceStream{
					Url: streamURL,
					InnerElements: []twiml.Element{
						&twiml.VoiceParameter{Name: LegParameter, Value: legID},
					},
				},
			},
		},
		&twiml.VoicePause{Length: holdOpenSeconds},
	}
}

// StreamTwiML forks the call's inbound audio to streamURL and holds the call open
func StreamTwiML(streamURL, legID string) (string, error) {
	return twiml.Voice(streamElements(streamURL, legID))
}

// DigitsTwiML plays digits and then restarts the same stream
func DigitsTwiML(digits, streamURL, legID string) (string, error) {
	elements := []twiml.Element{&twiml.VoicePlay{Digits: digits}}
	return twiml.Voice(append(elements, streamElements(streamURL, legID)...))
}

// TransferTwiML dials number, sending the extension once it answers
func TransferTwiML(number, extension string) (string, error) {
	n := &twiml.VoiceNumber{PhoneNumber: number}
	if ext := strings.TrimSpace(extension); ext != "" {
		// a leading pause gives the far end's menu time to start listening
		n.SendDigits = "ww" + ext
	}
	return twiml.Voice([]twiml.Element{
		&twiml.VoiceDial{InnerElements: []twiml.Element{n}},
	})
}
