package log

import (
	"net/url"
	"os"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/patrickmn/go-cache"
)

var loggerCache *cache.Cache

const defaultLoggerCacheExpiry = 6 * time.Hour

func init() {
	loggerCache = cache.New(defaultLoggerCacheExpiry, 10*time.Minute)
}

// Permanently add context to the logger. Any future logging for this Job ID
// will include this context.
func AddContext(jobID string, keyvals ...interface{}) {
	_ = loggerCache.Add(jobID, kitlog.With(getLogger(jobID), keyvals...), defaultLoggerCacheExpiry)
}

func Log(jobID string, message string, keyvals ...interface{}) {
	_ = kitlog.With(getLogger(jobID), "msg", message).Log(keyvals...)
}

// Log in situations where we don't have access to the Job ID.
// Should be used sparingly and with as much context inserted into the message as possible.
func LogNoJobID(message string, keyvals ...interface{}) {
	_ = kitlog.With(newLogger(), "msg", message).Log(keyvals...)
}

func LogError(jobID string, message string, err error, keyvals ...interface{}) {
	msgLogger := kitlog.With(getLogger(jobID), "msg", message)
	errLogger := kitlog.With(msgLogger, "err", err.Error())
	_ = errLogger.Log(keyvals...)
}

func getLogger(jobID string) kitlog.Logger {
	logger, found := loggerCache.Get(jobID)
	if found {
		return logger.(kitlog.Logger)
	}

	jobLogger := kitlog.With(newLogger(), "job_id", jobID)
	err := loggerCache.Add(jobID, jobLogger, defaultLoggerCacheExpiry)
	if err != nil {
		_ = jobLogger.Log("msg", "error adding logger to cache", "job_id", jobID)
	}
	return jobLogger
}

func newLogger() kitlog.Logger {
	logger := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))
	return kitlog.With(logger, "ts", kitlog.DefaultTimestampUTC)
}

// RedactURL strips credentials and query strings so that presigned object
// store URLs can be logged safely.
func RedactURL(urlStr string) string {
	u, err := url.Parse(urlStr)
	if err != nil {
		return "REDACTED"
	}
	u.User = nil
	u.RawQuery = ""
	return u.String()
}
