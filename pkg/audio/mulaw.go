package audio

import (
	"encoding/base64"

	"github.com/voxhall/relay/pkg/errorsx"
)

// DecodeMuLaw expands G.711 mu-law samples into 16-bit little-endian
// linear PCM. Output length is always exactly twice the input length, and
// empty input yields empty output. The function holds no state so it can
// run once per media event for the whole life of a call.
func DecodeMuLaw(in []byte) []byte {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in)*2)
	for i, b := range in {
		s := muLawToLinear(b)
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}

// DecodePayload decodes one base64-wrapped telephony media payload into
// linear PCM. An empty payload decodes to empty output.
func DecodePayload(payload string) ([]byte, error) {
	if payload == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonAudioDecode)
	}
	return DecodeMuLaw(raw), nil
}

func muLawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exp := (u >> 4) & 0x07
	mant := u & 0x0F
	value := (int(mant)<<3 + 0x84) << exp
	value -= 0x84
	if sign != 0 {
		return int16(-value)
	}
	return int16(value)
}
