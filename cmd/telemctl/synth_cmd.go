package main

import (
	"bufio"
	"flag"
	"fmt"
	"math"
	"math/rand/v2"
	"os"

	"example.com/telemlog/internal/decode"
	"example.com/telemlog/internal/format"
	"example.com/telemlog/internal/frame"
)

func synthCmd(args []string) {
	fs := flag.NewFlagSet("synth", flag.ExitOnError)
	abi := addABIFlags(fs)
	fr := addFramingFlags(fs)
	out := fs.String("out", "sample.bin", "output log")
	records := fs.Int("records", 1000, "number of records")
	selfDescribing := fs.Bool("self-describing", false, "embed the format instead of its fingerprint")
	corrupt := fs.Int("corrupt", 0, "number of garbage runs injected between records")
	seed := fs.Uint64("seed", 1, "random seed")
	fs.Parse(args)

	f, err := abi.layout()
	if err != nil {
		fail("layout", err)
	}
	file, err := os.Create(*out)
	if err != nil {
		fail("create", err)
	}
	w := bufio.NewWriter(file)
	n, garbage, err := synthesize(w, f, decode.EncoderOptions{Framing: fr.framing(), SelfDescribing: *selfDescribing}, *records, *corrupt, *seed)
	if err == nil {
		err = w.Flush()
	}
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		fail("synth", err)
	}
	fmt.Printf("Wrote %d records (%d garbage bytes) with format %s to %s\n", n, garbage, f.Fingerprint(), *out)
}

// synthesize writes count random records, cycling through the variants, and
// injects corrupt runs of 1 to 7 random bytes at random record boundaries.
// Garbage bytes are all at least 0x80, so with determinants below 0x80 each
// run becomes exactly one resync region.
func synthesize(w *bufio.Writer, f *format.Format, opts decode.EncoderOptions, count, corrupt int, seed uint64) (int, int, error) {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	enc, err := decode.NewEncoder(w, f, opts)
	if err != nil {
		return 0, 0, err
	}
	at := make(map[int]bool, corrupt)
	for len(at) < corrupt && len(at) < count {
		at[rng.IntN(count)] = true
	}
	garbage := 0
	for i := 0; i < count; i++ {
		if at[i] {
			run := make([]byte, 1+rng.IntN(7))
			for j := range run {
				run[j] = byte(0x80 + rng.IntN(0x7f))
			}
			if err := enc.WriteRaw(run); err != nil {
				return i, garbage, err
			}
			garbage += len(run)
		}
		v := f.Variants[i%len(f.Variants)]
		rec := decode.Record{Determinant: v.Determinant, Timestamp: uint64(i) * 10}
		for _, l := range v.Leaves() {
			rec.Values = append(rec.Values, randomValue(rng, l.Type))
		}
		if err := enc.Encode(rec); err != nil {
			return i, garbage, err
		}
	}
	return count, garbage, nil
}

func randomValue(rng *rand.Rand, t *format.Type) frame.Value {
	switch t.Kind {
	case format.KindBool:
		return frame.Bool(rng.IntN(2) == 1)
	case format.KindFloat:
		return frame.Float(math.Round(rng.NormFloat64()*1000) / 100)
	case format.KindEnum:
		if len(t.Values) == 0 {
			return frame.Null(frame.KindEnum)
		}
		return frame.Enum(t.Values[rng.IntN(len(t.Values))].Name)
	case format.KindInt:
		bits := uint(t.Size * 8)
		u := rng.Uint64()
		if bits < 64 {
			u &= uint64(1)<<bits - 1
		}
		if !t.Signed {
			return frame.Uint(u)
		}
		// sign-extend from the field width
		shift := 64 - bits
		return frame.Int(int64(u<<shift) >> shift)
	}
	return frame.Null(frame.KindEnum)
}
