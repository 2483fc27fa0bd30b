// Package stats computes nonce frequency statistics over nonce logs, or any
// text containing 40 character hex tokens.
package stats

import (
	"bufio"
	"bytes"
	"cmp"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/fatih/color"
	"github.com/ulikunitz/xz"
	"golang.org/x/exp/slices"
)

// NonceLength is the number of hex characters a token needs to count as a
// nonce.
const NonceLength = 40

var (
	nonceRe = regexp.MustCompile(fmt.Sprintf(`(?i)[0-9a-f]{%d}`, NonceLength))
	xzMagic = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
)

// maxToken bounds a single whitespace-delimited word.
const maxToken = 16 << 20

// Entry is one distinct nonce and how often it was seen.
type Entry struct {
	Nonce string
	Count int
}

// Table maps nonces to occurrence counts.
type Table struct {
	counts map[string]int
	amount int
}

func NewTable() *Table {
	return &Table{counts: make(map[string]int)}
}

// Add records one occurrence of a nonce.
func (t *Table) Add(nonce string) {
	t.counts[strings.ToLower(nonce)]++
	t.amount++
}

// AddWord records the first nonce found in a whitespace-delimited word, if
// any. Words longer than a nonce only contribute their first 40 hex
// characters.
func (t *Table) AddWord(word string) bool {
	m := nonceRe.FindString(word)
	if m == "" {
		return false
	}
	t.Add(m)
	return true
}

// Amount is the total number of nonce occurrences, singletons included.
func (t *Table) Amount() int {
	return t.amount
}

// Distinct is the number of distinct nonces.
func (t *Table) Distinct() int {
	return len(t.counts)
}

func (t *Table) Count(nonce string) int {
	return t.counts[strings.ToLower(nonce)]
}

// Sorted returns all entries by ascending count. Ties are ordered by nonce.
func (t *Table) Sorted() []Entry {
	res := make([]Entry, 0, len(t.counts))
	for n, c := range t.counts {
		res = append(res, Entry{Nonce: n, Count: c})
	}
	slices.SortStableFunc(res, func(a, b Entry) int {
		if c := cmp.Compare(a.Count, b.Count); c != 0 {
			return c
		}
		return strings.Compare(a.Nonce, b.Nonce)
	})
	return res
}

// Collisions returns the entries seen at least twice, by ascending count.
func (t *Table) Collisions() []Entry {
	var res []Entry
	for _, e := range t.Sorted() {
		if e.Count >= 2 {
			res = append(res, e)
		}
	}
	return res
}

// Relative returns count as a percentage of all occurrences.
func (t *Table) Relative(count int) float64 {
	if t.amount == 0 {
		return 0
	}
	return float64(count) / float64(t.amount) * 100
}

// Scan reads r word by word and counts every nonce found. On read errors the
// table built so far is returned alongside the error.
func Scan(r io.Reader) (*Table, error) {
	t := NewTable()
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxToken)
	s.Split(bufio.ScanWords)
	for s.Scan() {
		t.AddWord(s.Text())
	}
	if err := s.Err(); err != nil {
		return t, fmt.Errorf("scanning: %w", err)
	}
	return t, nil
}

// Open opens a log for reading. "-" is stdin. xz-compressed logs are
// decompressed transparently.
func Open(path string) (io.ReadCloser, error) {
	var rc io.ReadCloser = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		rc = f
	}
	br := bufio.NewReader(rc)
	magic, _ := br.Peek(len(xzMagic))
	if !bytes.Equal(magic, xzMagic) {
		return readCloser{br, rc}, nil
	}
	slog.Debug("Reading xz-compressed log", "path", path)
	xr, err := xz.NewReader(br)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("could not open xz stream: %w", err)
	}
	return readCloser{xr, rc}, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

// FromFile builds a table from the log at path. An empty or unreadable file
// yields an empty table; problems are logged, not returned.
func FromFile(path string) *Table {
	rc, err := Open(path)
	if err != nil {
		slog.Warn("Could not read nonce log", "path", path, "err", err)
		return NewTable()
	}
	defer rc.Close()
	t, err := Scan(rc)
	if err != nil {
		slog.Warn("Could not read all of nonce log", "path", path, "err", err)
	}
	return t
}

const delimiter = "------------------------------------------------------------"

// WriteReport prints the collision table and totals. Only nonces seen at
// least twice are listed. A non-nil highlight colors the summary lines.
func (t *Table) WriteReport(w io.Writer, highlight *color.Color) error {
	printf := func(format string, a ...interface{}) error {
		_, err := fmt.Fprintf(w, format, a...)
		return err
	}
	if highlight != nil {
		printf = func(format string, a ...interface{}) error {
			_, err := highlight.Fprintf(w, format, a...)
			return err
		}
	}

	collisions := t.Collisions()
	if _, err := fmt.Fprintf(w, "%-40s %9s %9s\n%s\n", "Nonce", "Count", "Relative", delimiter); err != nil {
		return err
	}
	for _, e := range collisions {
		if _, err := fmt.Fprintf(w, "%-40s %9d %8.3f%%\n", e.Nonce, e.Count, t.Relative(e.Count)); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintln(w, delimiter); err != nil {
		return err
	}
	if len(collisions) == 0 {
		if err := printf("There where no collisions found!\n"); err != nil {
			return err
		}
	} else if err := printf("%d of %d distinct nonces collided\n", len(collisions), t.Distinct()); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "Total nonces: %d\n", t.amount)
	return err
}
