package natbridge

import (
	"time"

	"github.com/sirupsen/logrus"
)

// ConfigureLogging applies the logging surface to the process-wide
// logger: debug level under verbose, and single-line JSON objects with
// ts/level/msg keys when jsonLogs is set.
func ConfigureLogging(verbose, jsonLogs bool) {
	if jsonLogs {
		logrus.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "ts",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "msg",
			},
		})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
}
