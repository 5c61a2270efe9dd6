// Package capture runs the recording lifecycle: it pulls PCM from an input device on a
// background goroutine, finalizes the bytes into a WAV file, and hands the result back to
// the owner through a Dispatcher.
package capture
