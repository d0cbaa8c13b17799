package monitoring

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// AlertHandler receives performance alerts
type AlertHandler interface {
	HandleAlert(alert *PerformanceAlert) error
}

// PerformanceAlert reports one operation that crossed a threshold
type PerformanceAlert struct {
	ID        string        `json:"id"`
	Type      string        `json:"type"`
	Severity  string        `json:"severity"`
	Message   string        `json:"message"`
	Operation string        `json:"operation"`
	Value     time.Duration `json:"value"`
	Threshold time.Duration `json:"threshold"`
	Timestamp time.Time     `json:"timestamp"`
}

// AlertManager fans alerts out to the registered handlers
type AlertManager struct {
	handlers []AlertHandler
	logger   *logrus.Logger
	mu       sync.RWMutex
}

// NewAlertManager creates an alert manager with no handlers
func NewAlertManager(logger *logrus.Logger) *AlertManager {
	return &AlertManager{logger: logger}
}

// TriggerAlert delivers alert to every handler
func (am *AlertManager) TriggerAlert(alert *PerformanceAlert) {
	am.mu.RLock()
	handlers := make([]AlertHandler, len(am.handlers))
	copy(handlers, am.handlers)
	am.mu.RUnlock()

	for _, h := range handlers {
		if err := h.HandleAlert(alert); err != nil {
			am.logger.WithError(err).WithField("alert_id", alert.ID).Warn("Alert handler failed")
		}
	}
}

// AddAlertHandler registers a handler
func (am *AlertManager) AddAlertHandler(handler AlertHandler) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.handlers = append(am.handlers, handler)
}

// LogAlertHandler writes alerts to the log at Warn
type LogAlertHandler struct {
	Logger *logrus.Logger
}

// HandleAlert implements AlertHandler
func (h LogAlertHandler) HandleAlert(alert *PerformanceAlert) error {
	h.Logger.WithFields(logrus.Fields{
		"alert_id":  alert.ID,
		"operation": alert.Operation,
		"duration":  alert.Value.String(),
		"threshold": alert.Threshold.String(),
		"severity":  alert.Severity,
	}).Warn(alert.Message)
	return nil
}

func slowOperationAlert(operation string, took, threshold time.Duration, at time.Time) *PerformanceAlert {
	return &PerformanceAlert{
		ID:        fmt.Sprintf("slow_%s_%d", operation, at.UnixNano()),
		Type:      "application",
		Severity:  "warning",
		Message:   "Slow operation detected",
		Operation: operation,
		Value:     took,
		Threshold: threshold,
		Timestamp: at,
	}
}
