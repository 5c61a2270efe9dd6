// Package audio holds the PCM format description, the append-only capture buffer,
// and the WAV container encoder used to materialize recordings.
// It also parses WAV headers back for inspection and interop checks.
package audio
