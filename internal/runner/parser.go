package runner

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Workers frame each result on stdout between these sentinel lines so the
// host can separate results from incidental logging.
const (
	OutputStartSentinel = "---GROUPMUX_OUTPUT_START---"
	OutputEndSentinel   = "---GROUPMUX_OUTPUT_END---"
)

// ErrOutputTruncated is returned when a worker exceeds the output byte cap.
var ErrOutputTruncated = fmt.Errorf("worker output exceeded limit")

// WorkerOutput is one parsed result block.
type WorkerOutput struct {
	Status    string `json:"status"`
	Result    string `json:"result"`
	SessionID string `json:"newSessionId,omitempty"`
}

// ScanOutput reads a worker's stdout line by line, invoking onBlock for each
// complete sentinel-framed result and onActivity for every line (framed or
// not) so callers can reset idle timers. Text outside the sentinels is
// ignored. Reading stops with ErrOutputTruncated once maxBytes is exceeded;
// maxBytes <= 0 means no cap.
func ScanOutput(r io.Reader, maxBytes int64, onBlock func(WorkerOutput), onActivity func()) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var (
		total     int64
		inBlock   bool
		blockText strings.Builder
	)
	for scanner.Scan() {
		line := scanner.Text()
		total += int64(len(line)) + 1
		if maxBytes > 0 && total > maxBytes {
			return ErrOutputTruncated
		}
		if onActivity != nil {
			onActivity()
		}

		switch strings.TrimSpace(line) {
		case OutputStartSentinel:
			inBlock = true
			blockText.Reset()
		case OutputEndSentinel:
			if inBlock {
				inBlock = false
				if block, err := parseBlock(blockText.String()); err == nil {
					onBlock(block)
				}
				// Malformed blocks are dropped; the run outcome is decided
				// by the exit code, not by parse success.
			}
		default:
			if inBlock {
				blockText.WriteString(line)
				blockText.WriteString("\n")
			}
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return fmt.Errorf("scan worker output: %w", err)
	}
	return nil
}

func parseBlock(text string) (WorkerOutput, error) {
	var out WorkerOutput
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &out); err != nil {
		return WorkerOutput{}, fmt.Errorf("parse output block: %w", err)
	}
	return out, nil
}
