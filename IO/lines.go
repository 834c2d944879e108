package IO

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// ReadLines returns the lines of a UTF-8 text file with the trailing newline
// removed. Blank lines are kept as empty strings and file order is preserved.
func ReadLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "read lines")
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 1<<20) // 1MB buffer
	var lines []string
	for {
		line, err := r.ReadString('\n')
		if len(line) > 0 {
			lines = append(lines, strings.TrimRight(line, "\n"))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return lines, errors.Wrapf(err, "read lines from %s", path)
		}
	}
	return lines, nil
}
