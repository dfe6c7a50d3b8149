package openport

import (
	"github.com/orandin/lumberjackrus"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/writer"
	"io"
	"os"
	"sync"
)

var stdOutLogHook writer.Hook

var loggingOnce sync.Once

// InitLogging sends everything to a rotating log file, warnings and errors to stderr, and
// info (plus debug when verbose) to stdout. Only the first call has an effect.
func InitLogging(verbose bool, logFilePath string) {
	loggingOnce.Do(func() {
		log.SetLevel(log.DebugLevel)
		if logFilePath != "" {
			hook, err := lumberjackrus.NewHook(
				&lumberjackrus.LogFile{
					Filename:   logFilePath,
					MaxSize:    10,
					MaxBackups: 1,
					Compress:   true,
				},
				log.DebugLevel,
				&log.TextFormatter{
					FullTimestamp: true,
				},
				&lumberjackrus.LogFileOpts{},
			)
			if err != nil {
				log.Warn(err)
			} else {
				log.AddHook(hook)
			}
		}
		log.SetOutput(io.Discard)

		log.AddHook(&writer.Hook{
			Writer: os.Stderr,
			LogLevels: []log.Level{
				log.PanicLevel,
				log.FatalLevel,
				log.ErrorLevel,
				log.WarnLevel,
			},
		})

		stdOutLogHook = writer.Hook{
			Writer: os.Stdout,
			LogLevels: []log.Level{
				log.InfoLevel,
			},
		}
		if verbose {
			stdOutLogHook.LogLevels = []log.Level{
				log.InfoLevel,
				log.DebugLevel,
			}
		}
		log.AddHook(&stdOutLogHook)
		log.SetFormatter(&log.TextFormatter{
			ForceColors:            true,
			DisableTimestamp:       true,
			DisableLevelTruncation: true,
		})
	})
}
