// Package speech turns announcement text into audio artifacts that display
// panels fetch and play.
package speech

import (
	"context"
	"errors"
)

// Synthesizer converts text into an artifact reference such as
// "/audios/<uuid>.mp3".
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (string, error)
}

var (
	ErrEmptyText   = errors.New("speech: text cannot be empty")
	ErrTextTooLong = errors.New("speech: text too long")

	// ErrBusy means the shared synthesis capacity stayed full for the whole wait.
	ErrBusy = errors.New("speech: synthesis capacity exhausted")
)

// MaxTextLength bounds a single utterance.
const MaxTextLength = 1000
