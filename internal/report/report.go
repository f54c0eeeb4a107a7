package report

import (
	"encoding/json"
	"os"
	"time"

	"example.com/telemlog/internal/common"
	"example.com/telemlog/internal/decode"
	"example.com/telemlog/internal/format"
)

// Variant describes one record kind of the decoded format.
type Variant struct {
	Name        string `json:"name"`
	Determinant uint32 `json:"determinant"`
	Size        int    `json:"size"`
	Fields      int    `json:"fields"`
}

// Input is the outcome of decoding one file.
type Input struct {
	Path           string           `json:"path"`
	Sha256         string           `json:"sha256,omitempty"`
	Size           int64            `json:"size"`
	Fingerprint    string           `json:"fingerprint"`
	SelfDescribing bool             `json:"selfDescribing"`
	Records        int64            `json:"records"`
	PerVariant     map[string]int64 `json:"perVariant"`
	Resyncs        []decode.Region  `json:"resyncs"`
	SkippedBytes   int64            `json:"skippedBytes"`
	Truncated      bool             `json:"truncated"`
}

// DecodeReport summarizes a decode run for archiving next to its output.
type DecodeReport struct {
	Generated    time.Time `json:"generated"`
	Fingerprint  string    `json:"fingerprint"`
	Variants     []Variant `json:"variants"`
	Inputs       []Input   `json:"inputs"`
	Rows         int       `json:"rows"`
	Columns      int       `json:"columns"`
	Records      int64     `json:"records"`
	Resyncs      int       `json:"resyncs"`
	SkippedBytes int64     `json:"skippedBytes"`
	DurationMs   int64     `json:"durationMs"`
}

// Build assembles a report. Inputs are hashed from disk; a file that can no
// longer be read is reported without a digest.
func Build(f *format.Format, files []decode.FileReport, rows, cols int, elapsed time.Duration) DecodeReport {
	rep := DecodeReport{
		Generated:  time.Now().UTC(),
		Rows:       rows,
		Columns:    cols,
		DurationMs: elapsed.Milliseconds(),
	}
	if f != nil {
		rep.Fingerprint = f.Fingerprint().String()
		for _, v := range f.Variants {
			rep.Variants = append(rep.Variants, Variant{
				Name:        v.Name,
				Determinant: v.Determinant,
				Size:        v.Size(),
				Fields:      len(v.Leaves()),
			})
		}
	}
	for _, fr := range files {
		in := Input{
			Path:           fr.Path,
			Size:           fr.Size,
			Fingerprint:    fr.Fingerprint.String(),
			SelfDescribing: fr.SelfDescribing,
			Records:        fr.Records,
			PerVariant:     fr.PerVariant,
			Resyncs:        fr.Resyncs,
			SkippedBytes:   fr.SkippedBytes,
			Truncated:      fr.Truncated,
		}
		if sum, _, err := common.Sha256OfFile(fr.Path); err == nil {
			in.Sha256 = sum
		}
		rep.Inputs = append(rep.Inputs, in)
		rep.Records += fr.Records
		rep.Resyncs += len(fr.Resyncs)
		rep.SkippedBytes += fr.SkippedBytes
	}
	return rep
}

func SaveDecodeJSON(rep DecodeReport, out string) error {
	b, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(out, b, 0644)
}

func LoadDecodeJSON(path string) (DecodeReport, error) {
	var rep DecodeReport
	b, err := os.ReadFile(path)
	if err != nil {
		return rep, err
	}
	err = json.Unmarshal(b, &rep)
	return rep, err
}
