package log

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestLevelHandler(t *testing.T) {
	var lvl dslog.Level
	err := lvl.Set("info")
	assert.NoError(t, err)
	plogger = &prometheusLogger{
		baseLogger: log.NewLogfmtLogger(io.Discard),
	}

	testCases := []struct {
		testName           string
		targetLogLevel     string
		expectedResponse   string
		expectedLogLevel   string
		expectedStatusCode int
	}{
		{"GetLogLevel", "", `{"message":"Current log level is info"}`, "info", 200},
		{"PostLogLevelInvalid", "invalid", `{"message":"unrecognized log level \"invalid\"", "status":"failed"}`, "info", 400},
		{"PostLogLevelEmpty", "", `{"message":"unrecognized log level \"\"", "status":"failed"}`, "info", 400},
		{"PostLogLevelDebug", "debug", `{"status": "success", "message":"Log level set to debug"}`, "debug", 200},
	}

	for _, testCase := range testCases {
		t.Run(testCase.testName, func(t *testing.T) {
			var (
				req *http.Request
				err error
			)

			if strings.HasPrefix(testCase.testName, "Get") {
				req, err = http.NewRequest("GET", "/", nil)
			} else if strings.HasPrefix(testCase.testName, "Post") {
				form := url.Values{"log_level": {testCase.targetLogLevel}}
				req, err = http.NewRequest("POST", "/", strings.NewReader(form.Encode()))
				req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
			}
			assert.NoError(t, err)

			rr := httptest.NewRecorder()
			handler := LevelHandler(&lvl)
			handler.ServeHTTP(rr, req)

			assert.JSONEq(t, testCase.expectedResponse, rr.Body.String())
			assert.Equal(t, testCase.expectedStatusCode, rr.Code)
			assert.Equal(t, testCase.expectedLogLevel, lvl.String())
		})
	}
}

func TestLevelHandlerConcurrentRequests(t *testing.T) {
	var lvl dslog.Level
	assert.NoError(t, lvl.Set("info"))
	plogger = &prometheusLogger{
		baseLogger: log.NewLogfmtLogger(io.Discard),
	}

	handler := LevelHandler(&lvl)
	levels := []string{"debug", "info", "warn", "error"}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(target string) {
			defer wg.Done()
			form := url.Values{"log_level": {target}}
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
			req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			assert.Equal(t, http.StatusOK, rr.Code)
		}(levels[i%len(levels)])
		go func() {
			defer wg.Done()
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
			assert.Equal(t, http.StatusOK, rr.Code)
			assert.Contains(t, rr.Body.String(), "Current log level is ")
		}()
	}
	wg.Wait()

	levelMtx.RLock()
	defer levelMtx.RUnlock()
	assert.Contains(t, levels, lvl.String())
}

func TestPrometheusLoggerCountsByLevel(t *testing.T) {
	var lvl dslog.Level
	assert.NoError(t, lvl.Set("info"))

	reg := prometheus.NewPedanticRegistry()
	l := newPrometheusLogger(lvl, "logfmt", reg)
	l.baseLogger = log.NewLogfmtLogger(io.Discard)
	l.setLevel(lvl)

	assert.NoError(t, level.Info(l).Log("msg", "hello"))
	assert.NoError(t, level.Warn(l).Log("msg", "careful"))
	assert.NoError(t, level.Warn(l).Log("msg", "careful again"))

	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
		# HELP log_messages_total Total number of log messages.
		# TYPE log_messages_total counter
		log_messages_total{level="info"} 1
		log_messages_total{level="warn"} 2
	`), "log_messages_total"))
}
