package provider

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Provider for tests
type Fake struct {
	mu sync.Mutex

	PlaceErr    func(req PlaceRequest) error
	TransferErr func(callSID string) error
	HangupErr   func(callSID string) error

	Placed    []PlaceRequest
	Digits    map[string][]string
	Transfers map[string]string
	Hangups   []string

	next int
}

func NewFake() *Fake {
	return &Fake{
		Digits:    make(map[string][]string),
		Transfers: make(map[string]string),
	}
}

func (f *Fake) PlaceCall(_ context.Context, req PlaceRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.PlaceErr != nil {
		if err := f.PlaceErr(req); err != nil {
			return "", err
		}
	}
	f.next++
	f.Placed = append(f.Placed, req)
	return fmt.Sprintf("CA%04d", f.next), nil
}

func (f *Fake) SendDigits(_ context.Context, callSID, digits, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Digits[callSID] = append(f.Digits[callSID], digits)
	return nil
}

func (f *Fake) Transfer(_ context.Context, callSID, number, extension string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.TransferErr != nil {
		if err := f.TransferErr(callSID); err != nil {
			return err
		}
	}
	target := number
	if extension != "" {
		target += "x" + extension
	}
	f.Transfers[callSID] = target
	return nil
}

func (f *Fake) Hangup(_ context.Context, callSID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.HangupErr != nil {
		if err := f.HangupErr(callSID); err != nil {
			return err
		}
	}
	f.Hangups = append(f.Hangups, callSID)
	return nil
}

func (f *Fake) HungUp() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Hangups...)
}

func (f *Fake) TransferCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Transfers)
}

func (f *Fake) DigitsFor(callSID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Digits[callSID]...)
}

func (f *Fake) PlacedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Placed)
}
