package file

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/inferloop/privtrace/pkg/errors"
	"github.com/inferloop/privtrace/pkg/models"
)

// ParseDat reads the trajectory dataset format. A line `#<id>:` opens a trajectory and
// each following `><n>:x1,y1;x2,y2;...;` line appends its points. Blank lines are
// ignored.
func ParseDat(r io.Reader) (models.TrajectorySet, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)

	var set models.TrajectorySet
	open := false
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch line[0] {
		case '#':
			set = append(set, models.Trajectory{})
			open = true
		case '>':
			if !open {
				return nil, malformed(lineNo, "point line before any trajectory header")
			}
			colon := strings.IndexByte(line, ':')
			if colon < 0 {
				return nil, malformed(lineNo, "missing ':' after the point line marker")
			}
			points, err := parsePoints(line[colon+1:])
			if err != nil {
				return nil, malformed(lineNo, err.Error())
			}
			last := len(set) - 1
			set[last] = append(set[last], points...)
		default:
			return nil, malformed(lineNo, fmt.Sprintf("unexpected line start %q", line[0]))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "failed to read dataset")
	}
	return set, nil
}

func parsePoints(s string) (models.Trajectory, error) {
	var out models.Trajectory
	for _, field := range strings.Split(s, ";") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		comma := strings.IndexByte(field, ',')
		if comma < 0 {
			return nil, fmt.Errorf("point %q is not x,y", field)
		}
		x, err := strconv.ParseFloat(strings.TrimSpace(field[:comma]), 64)
		if err != nil {
			return nil, fmt.Errorf("bad x in %q", field)
		}
		y, err := strconv.ParseFloat(strings.TrimSpace(field[comma+1:]), 64)
		if err != nil {
			return nil, fmt.Errorf("bad y in %q", field)
		}
		out = append(out, models.Point{X: x, Y: y})
	}
	return out, nil
}

func malformed(line int, msg string) error {
	return errors.NewValidationError(errors.CodeInvalidFormat, fmt.Sprintf("line %d: %s", line, msg)).
		WithContext("line", line)
}
