/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package relay

// Keep-alive payloads must decode as valid audio so downstream players and
// proxies treat them as stream data rather than garbage.

// silentMP3Frame is one MPEG-1 Layer III frame of silence:
// 44.1 kHz, 128 kbps, stereo, 417 bytes.
var silentMP3Frame = buildSilentMP3Frame()

func buildSilentMP3Frame() []byte {
	frame := make([]byte, 417)
	frame[0] = 0xFF // sync
	frame[1] = 0xFB // MPEG-1 Layer III, no CRC
	frame[2] = 0x90 // 128 kbps, 44.1 kHz
	frame[3] = 0x64 // joint stereo
	return frame
}

// silentADTSFrame is a minimal AAC-LC ADTS frame carrying an empty raw
// data block (7 byte header + 2 byte payload).
var silentADTSFrame = buildSilentADTSFrame()

func buildSilentADTSFrame() []byte {
	const frameLen = 9
	frame := make([]byte, frameLen)
	frame[0] = 0xFF
	frame[1] = 0xF1                            // MPEG-4, layer 0, no CRC
	frame[2] = 0x50                            // AAC-LC, 44.1 kHz
	frame[3] = 0x80 | byte(frameLen>>11)       // stereo, length high bits
	frame[4] = byte((frameLen >> 3) & 0xFF)    // length middle bits
	frame[5] = byte((frameLen&0x7)<<5) | 0x1F  // length low bits, buffer fullness
	frame[6] = 0xFC                            // buffer fullness, one block
	return frame
}

// fillerFor returns a format-valid keep-alive chunk.
func fillerFor(format string) []byte {
	if format == "aac" {
		return silentADTSFrame
	}
	return silentMP3Frame
}
