package services

import (
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// maxLogEntries bounds the in-memory request log; the oldest entries
// are dropped once the window is full.
const maxLogEntries = 2000

// LogEntry records one handled request.
type LogEntry struct {
	Timestamp    time.Time     `json:"timestamp"`
	Path         string        `json:"path"`
	Method       string        `json:"method"`
	StatusCode   int           `json:"statusCode"`
	ResponseTime time.Duration `json:"responseTime"`
}

// MonitoringService keeps a bounded window of recent requests for the
// operations endpoint. Everything lives in memory; a restart wipes it.
type MonitoringService struct {
	mu   sync.RWMutex
	logs []LogEntry
}

// NewMonitoringService creates an empty request log.
func NewMonitoringService() *MonitoringService {
	return &MonitoringService{logs: make([]LogEntry, 0, maxLogEntries)}
}

// LogRequest appends one entry, evicting the oldest past the cap.
func (s *MonitoringService) LogRequest(entry LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, entry)
	if len(s.logs) > maxLogEntries {
		s.logs = s.logs[len(s.logs)-maxLogEntries:]
	}
}

// LoggingMiddleware records every handled request except the
// monitoring surface itself.
func (s *MonitoringService) LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.Request.URL.Path
		if strings.HasPrefix(path, "/api/v1/monitoring") {
			return
		}

		s.LogRequest(LogEntry{
			Timestamp:    start,
			Path:         path,
			Method:       c.Request.Method,
			StatusCode:   c.Writer.Status(),
			ResponseTime: time.Since(start),
		})
	}
}

// UsageSummary is the aggregate view served to operators.
type UsageSummary struct {
	TotalRequests    int                      `json:"totalRequests"`
	Endpoints        map[string]int           `json:"endpoints"`
	StatusClasses    map[string]int           `json:"statusClasses"`
	AvgResponseTimes []map[string]interface{} `json:"avgResponseTimes"`
	RecentErrors     []LogEntry               `json:"recentErrors"`
}

// GetUsageSummary aggregates the window of requests since the given
// duration ago.
func (s *MonitoringService) GetUsageSummary(period time.Duration) UsageSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	since := time.Now().Add(-period)

	filtered := make([]LogEntry, 0, len(s.logs))
	for _, entry := range s.logs {
		if entry.Timestamp.After(since) {
			filtered = append(filtered, entry)
		}
	}

	endpoints := make(map[string]int)
	statusClasses := map[string]int{
		"2xx Success":      0,
		"4xx Client Error": 0,
		"5xx Server Error": 0,
	}
	responseTimeSum := make(map[string]time.Duration)
	for _, entry := range filtered {
		endpoints[entry.Path]++
		switch {
		case entry.StatusCode >= 200 && entry.StatusCode < 300:
			statusClasses["2xx Success"]++
		case entry.StatusCode >= 400 && entry.StatusCode < 500:
			statusClasses["4xx Client Error"]++
		case entry.StatusCode >= 500:
			statusClasses["5xx Server Error"]++
		}
		responseTimeSum[entry.Path] += entry.ResponseTime
	}

	avgResponseTimes := make([]map[string]interface{}, 0, len(responseTimeSum))
	for path, total := range responseTimeSum {
		avg := total.Milliseconds() / int64(endpoints[path])
		avgResponseTimes = append(avgResponseTimes, map[string]interface{}{"endpoint": path, "responseTime": avg})
	}

	recentErrors := make([]LogEntry, 0)
	for i := len(filtered) - 1; i >= 0 && len(recentErrors) < 10; i-- {
		if filtered[i].StatusCode >= 500 {
			recentErrors = append(recentErrors, filtered[i])
		}
	}

	return UsageSummary{
		TotalRequests:    len(filtered),
		Endpoints:        endpoints,
		StatusClasses:    statusClasses,
		AvgResponseTimes: avgResponseTimes,
		RecentErrors:     recentErrors,
	}
}
