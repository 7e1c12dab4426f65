// Package snapshot implements the big-endian wire primitives used to
// save/load multiplexer state, grounded on the same io.Writer/io.Reader
// encode-decode style the codec packages use, but with qemud's own framing:
// raw big-endian uint32 integers (no type marker byte) and
// length-prefixed strings whose length includes the trailing NUL.
package snapshot

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/aosp-mirror/platform-external-qemu-sub026/internal/qerrors"
)

// PutU32 writes v to w as 4 big-endian bytes.
func PutU32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	if _, err := w.Write(b[:]); err != nil {
		return qerrors.NewSnapshotError("snapshot.putU32", err)
	}
	return nil
}

// GetU32 reads a big-endian uint32 from r.
func GetU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, qerrors.NewSnapshotError("snapshot.getU32", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// PutString writes s to w as a length-prefixed, NUL-terminated string: a
// big-endian uint32 giving the byte count INCLUDING the trailing NUL,
// followed by the string bytes and the NUL itself.
func PutString(w io.Writer, s string) error {
	n := uint32(len(s) + 1)
	if err := PutU32(w, n); err != nil {
		return err
	}
	if _, err := w.Write([]byte(s)); err != nil {
		return qerrors.NewSnapshotError("snapshot.putString.body", err)
	}
	if _, err := w.Write([]byte{0}); err != nil {
		return qerrors.NewSnapshotError("snapshot.putString.nul", err)
	}
	return nil
}

// GetString reads a string written by PutString. It validates that the
// declared length is at least 1 (room for the NUL) and that the last byte
// read is in fact a NUL terminator.
func GetString(r io.Reader) (string, error) {
	n, err := GetU32(r)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", qerrors.NewSnapshotError("snapshot.getString", fmt.Errorf("zero-length string field"))
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", qerrors.NewSnapshotError("snapshot.getString.body", err)
	}
	if buf[n-1] != 0 {
		return "", qerrors.NewSnapshotError("snapshot.getString", fmt.Errorf("missing NUL terminator"))
	}
	return string(buf[:n-1]), nil
}

// PutBytes writes raw bytes with no length prefix and no terminator; used
// for the serial codec's fixed-size data0 scratch buffer dump.
func PutBytes(w io.Writer, b []byte) error {
	if _, err := w.Write(b); err != nil {
		return qerrors.NewSnapshotError("snapshot.putBytes", err)
	}
	return nil
}

// GetBytes reads exactly len(b) bytes into b.
func GetBytes(r io.Reader, b []byte) error {
	if _, err := io.ReadFull(r, b); err != nil {
		return qerrors.NewSnapshotError("snapshot.getBytes", err)
	}
	return nil
}
