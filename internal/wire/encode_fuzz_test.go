package wire

import (
	"testing"

	"github.com/vmihailenco/msgpack/v5"
)

func FuzzEncode(f *testing.F) {
	f.Add("prompt", []byte{0xff, 0xd8}, int64(830), 0.65, true)
	f.Add("", []byte{}, int64(-33), -0.5, false)
	f.Add("héllo", []byte{0x00}, int64(1)<<40, 16777216.0, true)

	f.Fuzz(func(t *testing.T, s string, b []byte, i int64, fv float64, bl bool) {
		values := []any{
			s, b, i, fv, bl, nil,
			[]any{s, i, fv},
			Map{{Key: s, Value: b}, {Key: "n", Value: i}, {Key: "skip", Value: Absent}},
			map[string]any{s: fv, "flag": bl},
		}
		for _, v := range values {
			out, err := Encode(v) // must not panic
			if err != nil {
				t.Fatalf("Encode(%#v): %v", v, err)
			}
			// Everything emitted must be readable by a production decoder.
			var decoded any
			if err := msgpack.Unmarshal(out, &decoded); err != nil {
				t.Fatalf("reference decoder rejected output for %#v: %v", v, err)
			}
		}
	})
}
