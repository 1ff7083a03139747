package stages

import "errors"

var (
	// ErrScriptExpired means the script blob is gone or still a placeholder.
	ErrScriptExpired = errors.New("script not found, may have expired")
	// ErrAudioMissing means the audio blob is gone before delivery.
	ErrAudioMissing = errors.New("audio not found, may have expired")
	// ErrTooShort means the writer produced fewer words than MinWords.
	ErrTooShort = errors.New("script too short")
	// ErrRefusal means the writer's output matched a refusal phrase.
	ErrRefusal = errors.New("script writer refused")
	// ErrUnknownChannel means the job's channel is not in the registry.
	ErrUnknownChannel = errors.New("channel not configured")
)

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the pool fails the job without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
