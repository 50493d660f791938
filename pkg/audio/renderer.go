package audio

// Renderer decodes inbound audio segments and plays them on the output
// device.
//
// Implementations must be safe for concurrent use.
type Renderer interface {
	// Render decodes segment and starts playback without blocking the caller.
	// ended is invoked exactly once, from any goroutine, when playback
	// completes. If decoding fails, ended receives an error wrapping
	// [ErrDecode] and nothing is played.
	Render(segment []byte, ended func(err error))

	// Stop silences any playback in progress. Pending ended callbacks may
	// still fire; callers guard them with their own liveness token.
	Stop()
}
