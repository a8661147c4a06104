package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the application logger. Debug mode uses a human-readable
// text formatter; production emits JSON. Components receive the logger via
// their constructors.
func NewLogger(debug bool) *logrus.Logger {
	log := logrus.New()
	log.Out = os.Stdout

	if debug {
		log.SetLevel(logrus.DebugLevel)
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	} else {
		log.SetLevel(logrus.InfoLevel)
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}
