package stream

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
)

// SubstitutionTable is a fixed byte permutation and its inverse.
//
// It is a monoalphabetic substitution: it changes the surface shape of the
// traffic and nothing else. Frequency analysis recovers the table from a
// small sample, so it provides no confidentiality. Use TLS for that.
type SubstitutionTable struct {
	encode [256]byte
	decode [256]byte
}

type substitutionTableJSON struct {
	Encode []int `json:"encode"`
	Decode []int `json:"decode"`
}

// NewSubstitutionTable generates a random permutation.
func NewSubstitutionTable() (*SubstitutionTable, error) {
	var perm [256]byte
	for i := range perm {
		perm[i] = byte(i)
	}
	for i := len(perm) - 1; i > 0; i-- {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return nil, fmt.Errorf("substitution table: %w", err)
		}
		k := j.Int64()
		perm[i], perm[k] = perm[k], perm[i]
	}
	return newSubstitutionTable(perm), nil
}

func newSubstitutionTable(perm [256]byte) *SubstitutionTable {
	t := &SubstitutionTable{encode: perm}
	for i, b := range perm {
		t.decode[b] = byte(i)
	}
	return t
}

// LoadSubstitutionTable reads a table written by Save.
func LoadSubstitutionTable(path string) (*SubstitutionTable, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("substitution table: %w", err)
	}
	t := &SubstitutionTable{}
	if err := json.Unmarshal(b, t); err != nil {
		return nil, fmt.Errorf("substitution table %s: %w", path, err)
	}
	return t, nil
}

// Save writes the table as JSON {"encode":[...],"decode":[...]}.
func (t *SubstitutionTable) Save(path string) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

func (t *SubstitutionTable) MarshalJSON() ([]byte, error) {
	v := substitutionTableJSON{Encode: make([]int, 256), Decode: make([]int, 256)}
	for i := range 256 {
		v.Encode[i] = int(t.encode[i])
		v.Decode[i] = int(t.decode[i])
	}
	return json.Marshal(v)
}

func (t *SubstitutionTable) UnmarshalJSON(b []byte) error {
	var v substitutionTableJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	if len(v.Encode) != 256 {
		return errors.New("encode table must have 256 entries")
	}

	var perm [256]byte
	var seen [256]bool
	for i, n := range v.Encode {
		if n < 0 || n > 255 || seen[n] {
			return fmt.Errorf("encode table is not a permutation at index %d", i)
		}
		seen[n] = true
		perm[i] = byte(n)
	}
	*t = *newSubstitutionTable(perm)

	// The decode table is derived; a stored one must agree with it.
	if len(v.Decode) != 0 {
		if len(v.Decode) != 256 {
			return errors.New("decode table must have 256 entries")
		}
		for i, n := range v.Decode {
			if n != int(t.decode[i]) {
				return fmt.Errorf("decode table does not invert encode table at index %d", i)
			}
		}
	}
	return nil
}

// Encode substitutes p in place.
func (t *SubstitutionTable) Encode(p []byte) {
	for i, b := range p {
		p[i] = t.encode[b]
	}
}

// Decode reverses Encode in place.
func (t *SubstitutionTable) Decode(p []byte) {
	for i, b := range p {
		p[i] = t.decode[b]
	}
}

type substitutionStream struct {
	Stream
	table *SubstitutionTable
}

// WithSubstitution wraps s so that every sent message is encoded and every
// received message decoded with table. A nil table returns s unchanged.
func WithSubstitution(s Stream, table *SubstitutionTable) Stream {
	if table == nil {
		return s
	}
	return &substitutionStream{Stream: s, table: table}
}

func (s *substitutionStream) Send(p []byte) error {
	buf := make([]byte, len(p))
	copy(buf, p)
	s.table.Encode(buf)
	return s.Stream.Send(buf)
}

func (s *substitutionStream) Receive() ([]byte, error) {
	msg, err := s.Stream.Receive()
	if err != nil || len(msg) == 0 {
		return msg, err
	}
	s.table.Decode(msg)
	return msg, nil
}

func (s *substitutionStream) ExtendIdle() {
	ExtendIdle(s.Stream)
}
