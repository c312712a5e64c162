package audio

// mulawTable maps each G.711 μ-law byte to its linear amplitude normalized to [-1, 1]
var mulawTable = buildMulawTable()

const (
	mulawBias  = 0x84
	fullScale  = 32768.0
	signBit    = 0x80
	expMask    = 0x07
	mantissaLo = 0x0F
)

func buildMulawTable() [256]float64 {
	var table [256]float64
	for i := 0; i < 256; i++ {
		table[i] = float64(DecodeMulaw(byte(i))) / fullScale
	}
	return table
}

// DecodeMulaw expands one μ-law byte to a 16-bit linear sample
func DecodeMulaw(b byte) int16 {
	u := ^b
	exponent := (u >> 4) & expMask
	mantissa := u & mantissaLo

	magnitude := ((int32(mantissa) << 3) + mulawBias) << exponent
	magnitude -= mulawBias

	if u&signBit != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// EncodeMulaw compresses a 16-bit linear sample to μ-law; used to synthesize test audio
func EncodeMulaw(sample int16) byte {
	const clip = 32635

	s := int32(sample)
	sign := byte(0)
	if s < 0 {
		s = -s
		sign = signBit
	}
	if s > clip {
		s = clip
	}
	s += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((s >> (exponent + 3)) & mantissaLo)

	return ^(sign | exponent<<4 | mantissa)
}
