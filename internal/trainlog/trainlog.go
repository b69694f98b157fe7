// Package trainlog appends one summary line per stage end to the
// experiment's train log.
package trainlog

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Field is one named statistic. Fields keep the order they are given in.
type Field struct {
	Key   string
	Value any
}

// F builds a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Logger writes stats lines to a file and mirrors them to logrus.
type Logger struct {
	path   string
	logger *logrus.Logger
	mu     sync.Mutex
}

// New returns a logger appending to path.
func New(path string, logger *logrus.Logger) *Logger {
	return &Logger{path: path, logger: logger}
}

// Line renders meta followed by the per-split stats, e.g.
// "epoch: 1, lr: 3.00e-04 - train loss: 1.23 - valid loss: 2.04, valid WER: 35.12".
func Line(meta []Field, splits ...Split) string {
	var b strings.Builder
	b.WriteString(joinFields("", meta))
	for _, s := range splits {
		if len(s.Stats) == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(" - ")
		}
		b.WriteString(joinFields(s.Name+" ", s.Stats))
	}
	return b.String()
}

// Split is the stats of one dataset split.
type Split struct {
	Name  string
	Stats []Field
}

// LogStats appends a stats line.
func (l *Logger) LogStats(meta []Field, splits ...Split) error {
	line := Line(meta, splits...)
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open train log: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := fmt.Fprintln(f, line); err != nil {
		return fmt.Errorf("write train log: %w", err)
	}
	if l.logger != nil {
		l.logger.Info(line)
	}
	return nil
}

func joinFields(prefix string, fields []Field) string {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, prefix+f.Key+": "+formatValue(f.Value))
	}
	return strings.Join(parts, ", ")
}

// formatValue prints floats between 1 and 100 with two decimals and every
// other float in scientific notation.
func formatValue(v any) string {
	switch x := v.(type) {
	case float64:
		if x > 1 && x < 100 {
			return fmt.Sprintf("%.2f", x)
		}
		return fmt.Sprintf("%.2e", x)
	case float32:
		return formatValue(float64(x))
	default:
		return fmt.Sprint(v)
	}
}
