package storage

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Row encoding: a 5-byte header (magic + format version) followed by the
// msgpack payload. The header lets future format migrations detect and
// reject rows written by incompatible versions instead of misdecoding them.
const (
	rowMagic   = "\xffHGN"
	rowVersion = byte(1)
)

func encodeRow(v any) ([]byte, error) {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("msgpack encode: %w", err)
	}
	out := make([]byte, 0, len(rowMagic)+1+len(payload))
	out = append(out, rowMagic...)
	out = append(out, rowVersion)
	out = append(out, payload...)
	return out, nil
}

func decodeRow(data []byte, v any) error {
	if len(data) < len(rowMagic)+1 || string(data[:len(rowMagic)]) != rowMagic {
		return fmt.Errorf("%w: missing row header", ErrInvalidData)
	}
	if ver := data[len(rowMagic)]; ver != rowVersion {
		return fmt.Errorf("%w: unsupported row format version %d", ErrInvalidData, ver)
	}
	if err := msgpack.Unmarshal(data[len(rowMagic)+1:], v); err != nil {
		return fmt.Errorf("msgpack decode: %w", err)
	}
	return nil
}
