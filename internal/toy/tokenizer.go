package toy

import "strings"

const (
	PadToken int32 = 0
	BOSToken int32 = 1
	EOSToken int32 = 2

	byteOffset = 3
	// ByteVocab is the smallest vocabulary covering every byte token.
	ByteVocab = 256 + byteOffset
)

// ByteTokenizer maps each byte to its own token after the three specials.
type ByteTokenizer struct{}

func (ByteTokenizer) Encode(s string, bos bool) []int32 {
	out := make([]int32, 0, len(s)+1)
	if bos {
		out = append(out, BOSToken)
	}
	for i := range len(s) {
		out = append(out, int32(s[i])+byteOffset)
	}
	return out
}

// Decode drops specials and ids outside the byte range. Byte runs that are
// not valid UTF-8 come back as U+FFFD so the text survives JSON encoding.
func (ByteTokenizer) Decode(ids []int32) string {
	var sb strings.Builder
	for _, id := range ids {
		if id >= byteOffset && id < ByteVocab {
			sb.WriteByte(byte(id - byteOffset))
		}
	}
	return strings.ToValidUTF8(sb.String(), "\uFFFD")
}
