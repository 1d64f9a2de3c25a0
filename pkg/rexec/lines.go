package rexec

import (
	"bytes"
	"strings"
	"unicode/utf8"
)

// MaxPendingLine is the number of bytes that are held back at most while
// waiting for the end of a line. Beyond that the bytes are delivered as they
// are, with invalid UTF-8 replaced. A character that is cut at the end stays
// pending.
const MaxPendingLine = 64 * 1024

// SplitLines delivers every complete line in data to sink and returns the
// bytes that still need to be completed by a later read. Lines end with
// "\n", "\r" or "\r\n". Terminators and backspaces are removed. A line that
// is not valid UTF-8 is held back together with everything that follows it.
func SplitLines(data []byte, sink func(string)) []byte {
	for len(data) > 0 {
		line, advance := nextLine(data)
		if advance == 0 {
			break
		}

		if !utf8.Valid(line) {
			break
		}

		sink(cleanLine(line))
		data = data[advance:]
	}

	if len(data) > MaxPendingLine {
		keep := pendingTail(data)
		FlushLines(data[:len(data)-keep], sink)
		if keep == 0 {
			return nil
		}
		return data[len(data)-keep:]
	}

	return data
}

// pendingTail returns the length of the incomplete multi-byte character at
// the end of data, if any.
func pendingTail(data []byte) int {
	for i := len(data) - 1; i >= 0 && i >= len(data)-utf8.UTFMax+1; i-- {
		if utf8.RuneStart(data[i]) {
			if !utf8.FullRune(data[i:]) {
				return len(data) - i
			}
			return 0
		}
	}

	return 0
}

// FlushLines delivers everything in data, including an incomplete last line.
// It is used when a stream has ended.
func FlushLines(data []byte, sink func(string)) {
	for len(data) > 0 {
		line, advance := nextLine(data)
		if advance == 0 {
			line, advance = bytes.TrimSuffix(data, []byte{'\r'}), len(data)
		}

		sink(cleanLine(bytes.ToValidUTF8(line, []byte(string(utf8.RuneError)))))
		data = data[advance:]
	}
}

// nextLine returns the first line of data without its terminator and the
// number of bytes it occupies. If data holds no complete line, advance is 0.
// A "\r" at the very end is not yet complete, it may be followed by "\n".
func nextLine(data []byte) (line []byte, advance int) {
	idx := bytes.IndexAny(data, "\r\n")
	if idx < 0 {
		return nil, 0
	}

	if data[idx] == '\n' {
		return data[:idx], idx + 1
	}

	if idx+1 == len(data) {
		return nil, 0
	}
	if data[idx+1] == '\n' {
		return data[:idx], idx + 2
	}
	return data[:idx], idx + 1
}

func cleanLine(line []byte) string {
	return strings.ReplaceAll(string(line), "\b", "")
}
