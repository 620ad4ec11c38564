package crf

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/usptact/TriCRF/internal/textutil"
)

// ReadRecords parses blank-line-delimited records from r. Each record is a
// list of lines, each line a list of whitespace-separated tokens. Token 0
// of a line is its label; the rest are features.
func ReadRecords(r io.Reader) ([][][]string, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var records [][][]string
	var cur [][]string
	lineno := 0
	for sc.Scan() {
		lineno++
		line := strings.TrimRight(sc.Text(), "\r\n")
		if strings.TrimSpace(line) == "" {
			if len(cur) > 0 {
				records = append(records, cur)
				cur = nil
			}
			continue
		}
		tokens := textutil.Tokenize(line)
		if len(tokens) == 0 {
			return nil, fmt.Errorf("%w: line %d: empty entry", ErrParse, lineno)
		}
		cur = append(cur, tokens)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(cur) > 0 {
		records = append(records, cur)
	}
	return records, nil
}

// ReadRecordsFile is ReadRecords over a file path.
func ReadRecordsFile(path string) ([][][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	recs, err := ReadRecords(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return recs, nil
}

// SplitFeature splits a feature token into its key and numeric value. A
// suffix after the last colon that parses as a float becomes the value;
// otherwise the whole token is an opaque binary feature with value 1.
// Tokens containing '=' keep their literal form.
func SplitFeature(tok string) (string, float64) {
	i := strings.LastIndexByte(tok, ':')
	if i <= 0 || i == len(tok)-1 {
		return tok, 1.0
	}
	v, err := strconv.ParseFloat(tok[i+1:], 64)
	if err != nil {
		return tok, 1.0
	}
	return tok[:i], v
}

// packEvent converts one tokenized line into an Event against the given
// store. During training (test=false) labels and features are interned and
// the observation parameters bound; during test unknown features are
// silently dropped and an unknown label falls back to the store default.
// The returned drop count is the number of dropped features.
func packEvent(tokens []string, store *Store, test bool) (Event, int) {
	ev := Event{Weight: 1.0}
	dropped := 0
	if test {
		ev.Label = store.FindState(tokens[0])
		if ev.Label < 0 {
			ev.Label = store.DefaultState()
		}
	} else {
		ev.Label = store.AddState(tokens[0])
		store.NoteState(ev.Label, ev.Weight)
	}
	for _, tok := range tokens[1:] {
		key, val := SplitFeature(tok)
		if val == 0 {
			continue
		}
		var fid int
		if test {
			fid = store.FindFeature(key)
			if fid < 0 {
				dropped++
				continue
			}
		} else {
			fid = store.AddFeature(key)
			store.BindObs(ev.Label, fid, val*ev.Weight)
		}
		ev.Obs = append(ev.Obs, Feature{ID: fid, Value: val})
	}
	return ev, dropped
}

// bindSequenceTransitions records the empirical transition counts of a
// training sequence, including the initial BOS transition.
func bindSequenceTransitions(store *Store, seq Sequence) {
	prev := BOS
	for _, ev := range seq {
		store.BindTrans(prev, ev.Label, store.EdgeFid(), ev.Weight)
		prev = ev.Label
	}
}
