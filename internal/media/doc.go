// Package media is the minimal audio transport used by endpoint workers.
// It packs G.711 frames into RTP over UDP, plays 8 kHz mono WAV files in client mode,
// tracks sequence loss in server mode and reduces both to an E-model MOS estimate.
package media
