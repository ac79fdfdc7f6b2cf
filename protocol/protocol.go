package protocol

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// UnexpectedLineError is returned when a block does not open with the expected delimiter.
type UnexpectedLineError struct {
	Expected string
	Got      string
}

func (e *UnexpectedLineError) Error() string {
	return fmt.Sprintf("did not get block start (%s), got %q", e.Expected, e.Got)
}

// Command formats a command line without its terminator.
func Command(verb Verb, args ...string) string {
	if len(args) == 0 {
		return string(verb)
	}

	var b strings.Builder
	b.WriteString(string(verb))
	for _, arg := range args {
		b.WriteByte(fieldSeparator)
		b.WriteString(arg)
	}
	return b.String()
}

// CreateCommand formats "create <name> [capacity] [prob]".
// A zero capacity or probability is omitted.
func CreateCommand(name string, capacity int64, probability float64) string {
	args := []string{name}
	if capacity > 0 {
		args = append(args, strconv.FormatInt(capacity, 10))
	}
	if probability > 0 {
		args = append(args, strconv.FormatFloat(probability, 'f', -1, 64))
	}
	return Command(VerbCreate, args...)
}

// AppendLine appends command and the line terminator to buf.
func AppendLine(buf []byte, command string) []byte {
	buf = append(buf, command...)
	return append(buf, lineTerminator)
}

// ReadLine reads one line and strips its terminators.
func ReadLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString(lineTerminator)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, carriageReturns), nil
}

// ReadBlock reads a block delimited by start and end lines and returns the interior lines.
// The first line must be start, otherwise an *UnexpectedLineError is returned.
func ReadBlock(r *bufio.Reader, start, end string) ([]string, error) {
	first, err := ReadLine(r)
	if err != nil {
		return nil, err
	}
	if first != start {
		return nil, &UnexpectedLineError{Expected: start, Got: first}
	}

	lines := []string{}
	for {
		line, err := ReadLine(r)
		if err != nil {
			return nil, err
		}
		if line == end {
			return lines, nil
		}
		lines = append(lines, line)
	}
}

// SplitField splits a line once on the first separator.
// A line without separator yields the whole line and an empty remainder.
func SplitField(line string) (string, string) {
	head, rest, _ := strings.Cut(line, string(fieldSeparator))
	return head, rest
}

// DecodeKeyValues turns "<key> <value...>" lines into a map.
// The last occurrence of a duplicated key wins.
func DecodeKeyValues(lines []string) map[string]string {
	values := make(map[string]string, len(lines))
	for _, line := range lines {
		key, value := SplitField(line)
		values[key] = value
	}
	return values
}
