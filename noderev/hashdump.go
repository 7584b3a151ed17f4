package noderev

// The hash dump format serializes a string map as counted key/value records:
//
//	K <keylen>\n<key>\nV <vallen>\n<value>\n ... END\n
//
// The incremental variant used for in-txn directory mutation appends the
// same K/V records plus D records for deletions and has no END terminator;
// it is flattened by replaying it over the base map.

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/rcowham/svnfsfs/fserrors"
)

// WriteHash dumps h in sorted key order so repeated dumps are byte-stable.
func WriteHash(w io.Writer, h map[string]string) error {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := h[k]
		if _, err := fmt.Fprintf(w, "K %d\n%s\nV %d\n%s\n", len(k), k, len(v), v); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "END\n")
	return err
}

// WriteHashEntry appends one incremental K/V record.
func WriteHashEntry(w io.Writer, key, value string) error {
	_, err := fmt.Fprintf(w, "K %d\n%s\nV %d\n%s\n", len(key), key, len(value), value)
	return err
}

// WriteHashDelete appends one incremental D record.
func WriteHashDelete(w io.Writer, key string) error {
	_, err := fmt.Fprintf(w, "D %d\n%s\n", len(key), key)
	return err
}

func readCounted(br *bufio.Reader, header string) (string, error) {
	fields := strings.SplitN(strings.TrimSuffix(header, "\n"), " ", 2)
	if len(fields) != 2 {
		return "", fserrors.New(fserrors.MalformedFile, "malformed hash dump header %q", header)
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil || n < 0 {
		return "", fserrors.New(fserrors.MalformedFile, "malformed hash dump length %q", header)
	}
	buf := make([]byte, n+1)
	if _, err := io.ReadFull(br, buf); err != nil {
		return "", fserrors.Wrap(fserrors.MalformedFile, err, "truncated hash dump record")
	}
	if buf[n] != '\n' {
		return "", fserrors.New(fserrors.MalformedFile, "hash dump record not newline terminated")
	}
	return string(buf[:n]), nil
}

// ReadHash parses a terminated dump produced by WriteHash.
func ReadHash(r io.Reader) (map[string]string, error) {
	h := make(map[string]string)
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if err == io.EOF && line == "" {
			return nil, fserrors.New(fserrors.MalformedFile, "hash dump missing END")
		}
		if err != nil && !(err == io.EOF && line != "") {
			return nil, fserrors.Wrap(fserrors.MalformedFile, err, "reading hash dump")
		}
		if line == "END\n" || line == "END" {
			return h, nil
		}
		if !strings.HasPrefix(line, "K ") {
			return nil, fserrors.New(fserrors.MalformedFile, "unexpected hash dump line %q", line)
		}
		key, err := readCounted(br, line)
		if err != nil {
			return nil, err
		}
		vline, err := br.ReadString('\n')
		if err != nil || !strings.HasPrefix(vline, "V ") {
			return nil, fserrors.New(fserrors.MalformedFile, "hash dump key %q has no value", key)
		}
		val, err := readCounted(br, vline)
		if err != nil {
			return nil, err
		}
		h[key] = val
	}
}

// ApplyIncremental replays an unterminated K/V/D stream over base in place.
func ApplyIncremental(base map[string]string, r io.Reader) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if err == io.EOF && line == "" {
			return nil
		}
		if err != nil {
			return fserrors.Wrap(fserrors.MalformedFile, err, "reading incremental hash dump")
		}
		switch {
		case strings.HasPrefix(line, "K "):
			key, err := readCounted(br, line)
			if err != nil {
				return err
			}
			vline, err := br.ReadString('\n')
			if err != nil || !strings.HasPrefix(vline, "V ") {
				return fserrors.New(fserrors.MalformedFile, "hash dump key %q has no value", key)
			}
			val, err := readCounted(br, vline)
			if err != nil {
				return err
			}
			base[key] = val
		case strings.HasPrefix(line, "D "):
			key, err := readCounted(br, line)
			if err != nil {
				return err
			}
			delete(base, key)
		default:
			return fserrors.New(fserrors.MalformedFile, "unexpected hash dump line %q", line)
		}
	}
}
