package log

import (
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	plogger *prometheusLogger

	// levelMtx guards the level shared with LevelHandler.
	levelMtx sync.RWMutex

	json = jsoniter.ConfigCompatibleWithStandardLibrary
)

// InitLogger returns a logger writing to stderr in the given format, filtered
// by lvl. Log messages are counted by level on reg. The level can later be
// changed with LevelHandler.
func InitLogger(lvl dslog.Level, format string, reg prometheus.Registerer) log.Logger {
	plogger = newPrometheusLogger(lvl, format, reg)
	return log.With(plogger, "ts", log.DefaultTimestampUTC)
}

type prometheusLogger struct {
	mtx        sync.RWMutex
	baseLogger log.Logger
	logger     log.Logger

	logMessages *prometheus.CounterVec
}

func newPrometheusLogger(lvl dslog.Level, format string, reg prometheus.Registerer) *prometheusLogger {
	writer := log.NewSyncWriter(os.Stderr)

	var base log.Logger
	if format == "json" {
		base = log.NewJSONLogger(writer)
	} else {
		base = log.NewLogfmtLogger(writer)
	}

	l := &prometheusLogger{
		baseLogger: base,
		logMessages: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "log_messages_total",
			Help: "Total number of log messages.",
		}, []string{"level"}),
	}
	l.setLevel(lvl)
	return l
}

func (l *prometheusLogger) setLevel(lvl dslog.Level) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.logger = level.NewFilter(l.baseLogger, lvl.Option)
}

// Log increments the appropriate Prometheus counter depending on the log level.
func (l *prometheusLogger) Log(kv ...interface{}) error {
	l.mtx.RLock()
	logger := l.logger
	l.mtx.RUnlock()

	if err := logger.Log(kv...); err != nil {
		return err
	}
	if l.logMessages == nil {
		return nil
	}

	lvl := "unknown"
	for i := 1; i < len(kv); i += 2 {
		if v, ok := kv[i].(level.Value); ok {
			lvl = v.String()
			break
		}
	}
	l.logMessages.WithLabelValues(lvl).Inc()
	return nil
}

// LevelHandler returns an http handler function that returns the current log
// level on GET and changes it on POST.
func LevelHandler(currentLogLevel *dslog.Level) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			levelMtx.RLock()
			current := currentLogLevel.String()
			levelMtx.RUnlock()

			writeJSON(w, http.StatusOK, map[string]string{
				"message": fmt.Sprintf("Current log level is %s", current),
			})
		case http.MethodPost:
			logLevel := r.FormValue("log_level")

			var lvl dslog.Level
			if err := lvl.Set(logLevel); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{
					"message": fmt.Sprintf("unrecognized log level %q", logLevel),
					"status":  "failed",
				})
				return
			}

			levelMtx.Lock()
			*currentLogLevel = lvl
			if plogger != nil {
				plogger.setLevel(lvl)
			}
			levelMtx.Unlock()
			writeJSON(w, http.StatusOK, map[string]string{
				"message": fmt.Sprintf("Log level set to %s", logLevel),
				"status":  "success",
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
