package sink

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"firestige.xyz/recorder/internal/core"
)

// Console writes one JSON line per record.
type Console struct {
	log *logrus.Logger
}

// NewConsole writes to w, or stdout when w is nil.
func NewConsole(w io.Writer, pretty bool) *Console {
	if w == nil {
		w = os.Stdout
	}
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.JSONFormatter{
		PrettyPrint: pretty,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyMsg: "kind",
		},
	})
	return &Console{log: l}
}

func (c *Console) Name() string { return TypeConsole }

func (c *Console) Put(_ core.StreamID, rec core.Record) error {
	c.log.WithTime(rec.Time).WithFields(logrus.Fields{
		"conn":      rec.Stream.Conn.String(),
		"stream":    rec.Stream.String(),
		"direction": rec.Direction.String(),
		"seq":       rec.Seq,
		"protocol":  rec.Protocol,
		"message":   rec.Message,
	}).Info(rec.Kind)
	return nil
}

func (c *Console) Close() error {
	return nil
}
