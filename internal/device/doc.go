// Package device provides the audio input collaborator used by capture sessions.
// Backends (PulseAudio, PortAudio, ALSA arecord, UDP network microphone, file replay)
// register themselves by name and expose a uniform pull-based PCM stream. The UDP
// backend accepts bare PCM datagrams or TLV-framed audio packets.
package device
